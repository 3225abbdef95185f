package statestore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	logs     map[string][][]byte
	writeErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		logs: make(map[string][][]byte),
	}
}

// FailWrites makes every subsequent write return a PersistenceError wrapping
// err. Pass nil to restore normal behavior.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MemoryStore) failed(key string) error {
	if m.writeErr != nil {
		return errors.NewPersistenceError(key, m.writeErr)
	}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return bytes.Clone(data), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(key); err != nil {
		return err
	}
	m.docs[key] = bytes.Clone(data)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(key); err != nil {
		return err
	}
	delete(m.docs, key)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.docs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Update implements Store. The whole store is locked while fn runs.
func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if data, ok := m.docs[key]; ok {
		current = bytes.Clone(data)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := m.failed(key); err != nil {
		return err
	}
	if next == nil {
		delete(m.docs, key)
		return nil
	}
	m.docs[key] = bytes.Clone(next)
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, key string, line []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return errors.NewInputError("log line contains a newline", errors.ErrMalformedInvocation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(key); err != nil {
		return err
	}
	m.logs[key] = append(m.logs[key], bytes.Clone(line))
	return nil
}

// ReadLines implements Store.
func (m *MemoryStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.logs[key]))
	for _, l := range m.logs[key] {
		out = append(out, bytes.Clone(l))
	}
	return out, nil
}

// Truncate implements Store.
func (m *MemoryStore) Truncate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(key); err != nil {
		return err
	}
	delete(m.logs, key)
	return nil
}
