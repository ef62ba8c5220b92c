// Package artifact stores serialized model files. Writes are create-only:
// a location, once returned, always names the same bytes.
package artifact

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/config"
)

// Store puts and gets artifacts.
type Store interface {
	// Put writes data under key and returns its location. An existing key
	// fails with an error wrapping ErrExists.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get reads the artifact at a location returned by Put.
	Get(ctx context.Context, location string) ([]byte, error)
}

var (
	// ErrExists is returned when writing to a key that already holds data.
	ErrExists = eris.New("artifact: already exists")
	// ErrNotFound is returned when a location holds nothing.
	ErrNotFound = eris.New("artifact: not found")
)

// Open selects a driver from cfg.
func Open(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Driver {
	case "", "fs":
		return NewFS(cfg.Dir)
	case "memory":
		return NewMemory(), nil
	case "s3":
		return NewS3(ctx, cfg.S3)
	default:
		return nil, eris.Errorf("artifact: unknown driver %q", cfg.Driver)
	}
}

// checkKey rejects empty, absolute and escaping keys.
func checkKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return eris.New("artifact: empty key")
	case strings.HasPrefix(key, "/"):
		return eris.Errorf("artifact: absolute key %q", key)
	case strings.Contains(key, ".."):
		return eris.Errorf("artifact: key %q escapes root", key)
	}
	return nil
}
