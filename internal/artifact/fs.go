package artifact

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

const fileScheme = "file://"

// FS keeps artifacts under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		root = "artifacts"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: resolve %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create %s", abs)
	}
	return &FS{root: abs}, nil
}

// Put implements Store. The file is written to a temp name and linked into
// place, so a reader never sees a partial artifact.
func (s *FS) Put(_ context.Context, key string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "artifact: mkdir for %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", eris.Wrap(err, "artifact: temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return "", eris.Wrapf(err, "artifact: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrapf(err, "artifact: close %s", key)
	}
	// Link fails when path exists, which makes the write create-only.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", eris.Wrapf(ErrExists, "key %s", key)
		}
		return "", eris.Wrapf(err, "artifact: link %s", key)
	}
	return fileScheme + path, nil
}

// Get implements Store.
func (s *FS) Get(_ context.Context, location string) ([]byte, error) {
	path, ok := strings.CutPrefix(location, fileScheme)
	if !ok {
		return nil, eris.Errorf("artifact: %q is not a file location", location)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "location %s", location)
	}
	return data, eris.Wrapf(err, "artifact: read %s", location)
}
