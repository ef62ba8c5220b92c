package artifact

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

const memScheme = "mem://"

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return "", eris.Wrapf(ErrExists, "key %s", key)
	}
	m.data[key] = slices.Clone(data)
	return memScheme + key, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, location string) ([]byte, error) {
	key, ok := strings.CutPrefix(location, memScheme)
	if !ok {
		return nil, eris.Errorf("artifact: %q is not a memory location", location)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "location %s", location)
	}
	return slices.Clone(data), nil
}
