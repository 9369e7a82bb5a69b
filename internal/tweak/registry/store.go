package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Store.Read when the key or the value is absent.
var ErrNotFound = errors.New("registry value not found")

// Store reads and writes single registry values.
type Store interface {
	Read(key Key, name string) (Value, error)
	Write(key Key, name string, v Value) error
	Delete(key Key, name string) error
}

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]Value
	writes int
	// ReadErr, when set, is returned by every Read.
	ReadErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]Value)}
}

func memKey(key Key, name string) string {
	return strings.ToLower(key.String() + "|" + name)
}

func (m *MemoryStore) Read(key Key, name string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return Value{}, m.ReadErr
	}
	v, ok := m.values[memKey(key, name)]
	if !ok {
		return Value{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Write(key Key, name string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[memKey(key, name)] = v
	m.writes++
	return nil
}

func (m *MemoryStore) Delete(key Key, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(key, name)
	if _, ok := m.values[k]; !ok {
		return ErrNotFound
	}
	delete(m.values, k)
	m.writes++
	return nil
}

// Writes returns how many mutating calls succeeded.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Keys lists stored entries, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.values))
	for k := range m.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
