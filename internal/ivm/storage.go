package ivm

import (
	"iter"
	"strings"

	"github.com/google/btree"
)

// Storage is the synchronous key/value state owned by one operator.
type Storage interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Del(key string)
	// Scan yields entries whose key starts with prefix in key order.
	Scan(prefix string) iter.Seq2[string, any]
}

type kv struct {
	key   string
	value any
}

// MemoryStorage is a btree backed Storage.
type MemoryStorage struct {
	tree *btree.BTreeG[kv]
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tree: btree.NewG(16, func(a, b kv) bool { return a.key < b.key })}
}

func (s *MemoryStorage) Get(key string) (any, bool) {
	e, ok := s.tree.Get(kv{key: key})
	return e.value, ok
}

func (s *MemoryStorage) Set(key string, value any) {
	s.tree.ReplaceOrInsert(kv{key: key, value: value})
}

func (s *MemoryStorage) Del(key string) {
	s.tree.Delete(kv{key: key})
}

// Scan snapshots matching entries first so callers may mutate during iteration.
func (s *MemoryStorage) Scan(prefix string) iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		var matched []kv
		s.tree.AscendGreaterOrEqual(kv{key: prefix}, func(e kv) bool {
			if !strings.HasPrefix(e.key, prefix) {
				return false
			}
			matched = append(matched, e)
			return true
		})
		for _, e := range matched {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (s *MemoryStorage) Len() int { return s.tree.Len() }
