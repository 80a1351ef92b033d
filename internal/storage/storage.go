// Package storage is the key/value abstraction shared by the CVR store, the
// migration runner and the durable backings. Keys are compared by UTF-8 byte
// order everywhere, which is plain Go string comparison.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Entry is a stored key with its JSON encoded value.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// StartOptions positions a list at Key, optionally skipping Key itself.
type StartOptions struct {
	Key       string
	Exclusive bool
}

// ListOptions restricts a list. A zero Limit means no limit.
type ListOptions struct {
	Prefix string
	Start  *StartOptions
	Limit  int
}

// Matches reports whether key falls inside the prefix and start bounds.
func (o ListOptions) Matches(key string) bool {
	if o.Prefix != "" && !strings.HasPrefix(key, o.Prefix) {
		return false
	}
	if o.Start != nil {
		if o.Start.Exclusive {
			return key > o.Start.Key
		}
		return key >= o.Start.Key
	}
	return true
}

// LowerBound is the smallest key a matching entry can have.
func (o ListOptions) LowerBound() string {
	lower := o.Prefix
	if o.Start != nil && o.Start.Key > lower {
		lower = o.Start.Key
	}
	return lower
}

// Storage is the minimal key/value contract.
type Storage interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// GetEntries returns the entries that exist, sorted by key.
	GetEntries(ctx context.Context, keys []string) ([]Entry, error)
	Put(ctx context.Context, key string, value any) error
	PutEntries(ctx context.Context, entries map[string]any) error
	Del(ctx context.Context, key string) error
	DelEntries(ctx context.Context, keys []string) error
	// List returns matching entries sorted by key.
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
}

// DurableStorage commits every pending write as one atomic unit on Flush.
type DurableStorage interface {
	Storage
	Flush(ctx context.Context) error
}

// Encode marshals a value for storage. Raw JSON is stored as is.
func Encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return slices.Clone(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("storage: value is not valid JSON")
		}
		return slices.Clone(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("storage: encode value: %w", err)
	}
	return b, nil
}

// SortEntries orders entries by UTF-8 key order.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
}
