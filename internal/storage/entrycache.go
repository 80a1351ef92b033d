package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
)

// OpKind is the kind of a pending write.
type OpKind string

const (
	OpPut OpKind = "put"
	OpDel OpKind = "del"
)

// Op is a pending write held by an EntryCache.
type Op struct {
	Op    OpKind          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type cached struct {
	value   json.RawMessage // nil means deleted or absent
	present bool
	dirty   bool
}

// EntryCache layers pending writes over a base Storage. Reads observe the
// pending writes, Flush pushes them down to the base. Caches stack: an
// EntryCache is itself a DurableStorage.
type EntryCache struct {
	base Storage

	// flushMu orders flushes so an older flush never lands after a newer one.
	flushMu sync.Mutex

	mu    sync.Mutex
	cache map[string]cached
	// gen changes whenever entries leave the cache, so a base read that
	// started before a flush is not cached as clean.
	gen uint64
}

// OpApplier accepts a batch of writes as one unit. A stacked EntryCache hands
// its writes down through it so no other flush sees half of them.
type OpApplier interface {
	ApplyOps(ctx context.Context, ops []Op) error
}

func NewEntryCache(base Storage) *EntryCache {
	return &EntryCache{base: base, cache: make(map[string]cached)}
}

func (c *EntryCache) put(key string, raw json.RawMessage) {
	c.cache[key] = cached{value: raw, present: true, dirty: true}
}

func (c *EntryCache) Put(_ context.Context, key string, value any) error {
	raw, err := Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.put(key, raw)
	c.mu.Unlock()
	return nil
}

func (c *EntryCache) PutEntries(_ context.Context, entries map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		raw, err := Encode(v)
		if err != nil {
			return err
		}
		encoded[k] = raw
	}
	c.mu.Lock()
	for k, raw := range encoded {
		c.put(k, raw)
	}
	c.mu.Unlock()
	return nil
}

func (c *EntryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	c.cache[key] = cached{dirty: true}
	c.mu.Unlock()
	return nil
}

// ApplyOps records puts and deletes as pending under a single lock.
func (c *EntryCache) ApplyOps(_ context.Context, ops []Op) error {
	c.mu.Lock()
	for _, op := range ops {
		if op.Op == OpPut {
			c.put(op.Key, op.Value)
		} else {
			c.cache[op.Key] = cached{dirty: true}
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *EntryCache) DelEntries(_ context.Context, keys []string) error {
	c.mu.Lock()
	for _, k := range keys {
		c.cache[k] = cached{dirty: true}
	}
	c.mu.Unlock()
	return nil
}

// Get serves cached values without re-reading the base. Base reads are
// cached as clean entries.
func (c *EntryCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	if e, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return slices.Clone(e.value), e.present, nil
	}
	gen := c.gen
	c.mu.Unlock()

	raw, ok, err := c.base.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	if _, raced := c.cache[key]; !raced && gen == c.gen {
		c.cache[key] = cached{value: raw, present: ok}
	}
	c.mu.Unlock()
	return raw, ok, nil
}

func (c *EntryCache) GetEntries(ctx context.Context, keys []string) ([]Entry, error) {
	var out []Entry
	var missing []string
	c.mu.Lock()
	for _, k := range keys {
		if e, ok := c.cache[k]; ok {
			if e.present {
				out = append(out, Entry{Key: k, Value: slices.Clone(e.value)})
			}
			continue
		}
		missing = append(missing, k)
	}
	gen := c.gen
	c.mu.Unlock()

	if len(missing) > 0 {
		fetched, err := c.base.GetEntries(ctx, missing)
		if err != nil {
			return nil, err
		}
		found := make(map[string]json.RawMessage, len(fetched))
		for _, e := range fetched {
			found[e.Key] = e.Value
		}
		c.mu.Lock()
		for _, k := range missing {
			if gen != c.gen {
				break
			}
			if _, raced := c.cache[k]; raced {
				continue
			}
			raw, ok := found[k]
			c.cache[k] = cached{value: raw, present: ok}
		}
		c.mu.Unlock()
		out = append(out, fetched...)
	}
	SortEntries(out)
	return out, nil
}

// IsDirty reports whether any writes are pending. Redundant writes, such as
// deleting an absent key, still count.
func (c *EntryCache) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.cache {
		if e.dirty {
			return true
		}
	}
	return false
}

// Pending returns the pending writes in key order.
func (c *EntryCache) Pending() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ops []Op
	for _, k := range slices.Sorted(maps.Keys(c.cache)) {
		e := c.cache[k]
		if !e.dirty {
			continue
		}
		if e.present {
			ops = append(ops, Op{Op: OpPut, Key: k, Value: e.value})
		} else {
			ops = append(ops, Op{Op: OpDel, Key: k})
		}
	}
	return ops
}

// PendingSize returns the number of pending writes.
func (c *EntryCache) PendingSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.cache {
		if e.dirty {
			n++
		}
	}
	return n
}

// GetPending returns the pending write for key, if any.
func (c *EntryCache) GetPending(key string) (Op, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || !e.dirty {
		return Op{}, false
	}
	if e.present {
		return Op{Op: OpPut, Key: key, Value: e.value}, true
	}
	return Op{Op: OpDel, Key: key}, true
}

// IsPendingDelete reports whether key has a pending delete.
func (c *EntryCache) IsPendingDelete(key string) bool {
	op, ok := c.GetPending(key)
	return ok && op.Op == OpDel
}

// CancelPending drops a pending write so the base value shows through again.
func (c *EntryCache) CancelPending(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

// Clear discards every cached and pending entry.
func (c *EntryCache) Clear() {
	c.mu.Lock()
	clear(c.cache)
	c.gen++
	c.mu.Unlock()
}

// Settle drops the given ops once they are committed below. An entry
// rewritten since the ops were taken stays pending, and clean entries are
// dropped since the base has moved under them.
func (c *EntryCache) Settle(ops []Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		e, ok := c.cache[op.Key]
		if !ok || !e.dirty {
			continue
		}
		if (op.Op == OpPut) == e.present && bytes.Equal(op.Value, e.value) {
			delete(c.cache, op.Key)
		}
	}
	for k, e := range c.cache {
		if !e.dirty {
			delete(c.cache, k)
		}
	}
	c.gen++
}

// Flush writes pending puts and deletes to the base and settles them. Writes
// made while a flush is in progress stay pending for the next one. It does
// not flush the base itself.
func (c *EntryCache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	ops := c.Pending()
	if len(ops) == 0 {
		c.Settle(nil)
		return nil
	}
	if applier, ok := c.base.(OpApplier); ok {
		if err := applier.ApplyOps(ctx, ops); err != nil {
			return err
		}
		c.Settle(ops)
		return nil
	}

	puts := make(map[string]any)
	var dels []string
	for _, op := range ops {
		if op.Op == OpPut {
			puts[op.Key] = op.Value
		} else {
			dels = append(dels, op.Key)
		}
	}
	if len(dels) > 0 {
		if err := c.base.DelEntries(ctx, dels); err != nil {
			return err
		}
	}
	if len(puts) > 0 {
		if err := c.base.PutEntries(ctx, puts); err != nil {
			return err
		}
	}
	c.Settle(ops)
	return nil
}

// List merges base entries with pending writes in key order. Pending puts
// win over base values and pending deletes mask them.
func (c *EntryCache) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	type pendingEntry struct {
		key     string
		value   json.RawMessage
		present bool
	}

	c.mu.Lock()
	deleted := 0
	var pending []pendingEntry
	for k, e := range c.cache {
		if !e.dirty {
			continue
		}
		if !e.present {
			deleted++
		}
		if opts.Matches(k) {
			pending = append(pending, pendingEntry{key: k, value: slices.Clone(e.value), present: e.present})
		}
	}
	c.mu.Unlock()

	baseOpts := opts
	if opts.Limit > 0 {
		baseOpts.Limit = opts.Limit + deleted
	}
	base, err := c.base.List(ctx, baseOpts)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(pending, func(a, b pendingEntry) int { return strings.Compare(a.key, b.key) })

	out := make([]Entry, 0, len(base)+len(pending))
	add := func(k string, v json.RawMessage, present bool) {
		if present {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	i, j := 0, 0
	for (i < len(base) || j < len(pending)) && (opts.Limit <= 0 || len(out) < opts.Limit) {
		switch {
		case j >= len(pending):
			add(base[i].Key, base[i].Value, true)
			i++
		case i >= len(base):
			add(pending[j].key, pending[j].value, pending[j].present)
			j++
		default:
			cmp := strings.Compare(base[i].Key, pending[j].key)
			switch {
			case cmp == 0:
				add(pending[j].key, pending[j].value, pending[j].present)
				i++
				j++
			case cmp < 0:
				add(base[i].Key, base[i].Value, true)
				i++
			default:
				add(pending[j].key, pending[j].value, pending[j].present)
				j++
			}
		}
	}
	return out, nil
}
