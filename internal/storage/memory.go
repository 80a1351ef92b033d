package storage

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

// MemoryStorage is an in-process DurableStorage. Writes are visible
// immediately and Flush only counts calls.
type MemoryStorage struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[Entry]
	flushes int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tree: btree.NewG(32, func(a, b Entry) bool { return a.Key < b.Key }),
	}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(Entry{Key: key})
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.Value), true, nil
}

func (m *MemoryStorage) GetEntries(_ context.Context, keys []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := m.tree.Get(Entry{Key: k}); ok {
			out = append(out, Entry{Key: k, Value: slices.Clone(e.Value)})
		}
	}
	SortEntries(out)
	return out, nil
}

func (m *MemoryStorage) Put(_ context.Context, key string, value any) error {
	raw, err := Encode(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tree.ReplaceOrInsert(Entry{Key: key, Value: raw})
	m.mu.Unlock()
	metrics.AddStorageOps("put", 1)
	return nil
}

func (m *MemoryStorage) PutEntries(ctx context.Context, entries map[string]any) error {
	encoded := make([]Entry, 0, len(entries))
	for k, v := range entries {
		raw, err := Encode(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, Entry{Key: k, Value: raw})
	}
	m.mu.Lock()
	for _, e := range encoded {
		m.tree.ReplaceOrInsert(e)
	}
	m.mu.Unlock()
	metrics.AddStorageOps("put", len(encoded))
	return nil
}

func (m *MemoryStorage) Del(_ context.Context, key string) error {
	m.mu.Lock()
	m.tree.Delete(Entry{Key: key})
	m.mu.Unlock()
	metrics.AddStorageOps("del", 1)
	return nil
}

func (m *MemoryStorage) DelEntries(_ context.Context, keys []string) error {
	m.mu.Lock()
	for _, k := range keys {
		m.tree.Delete(Entry{Key: k})
	}
	m.mu.Unlock()
	metrics.AddStorageOps("del", len(keys))
	return nil
}

func (m *MemoryStorage) List(_ context.Context, opts ListOptions) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	m.tree.AscendGreaterOrEqual(Entry{Key: opts.LowerBound()}, func(e Entry) bool {
		if opts.Prefix != "" && !strings.HasPrefix(e.Key, opts.Prefix) {
			return false
		}
		if !opts.Matches(e.Key) {
			return true
		}
		out = append(out, Entry{Key: e.Key, Value: slices.Clone(e.Value)})
		return opts.Limit <= 0 || len(out) < opts.Limit
	})
	return out, nil
}

func (m *MemoryStorage) Flush(context.Context) error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

// Flushes returns how many times Flush has been called.
func (m *MemoryStorage) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
