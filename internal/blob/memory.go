package blob

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Object is a stored value with its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    []string

	// FailPut, when set, is consulted before every Put.
	FailPut func(key string) error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "blob: get %s", key)
	}
	return append([]byte(nil), obj.Data...), nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "blob: put %s", key)
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return eris.Wrapf(err, "blob: put %s", key)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	m.puts = append(m.puts, key)
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return sortedKeys(keys), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Object returns the stored object for key.
func (m *Memory) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Puts returns every key written, in write order.
func (m *Memory) Puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

// ResetPuts clears the write log.
func (m *Memory) ResetPuts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = nil
}
