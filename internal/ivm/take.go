package ivm

import (
	"encoding/json"

	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

const maxBoundKey = "maxBound"

type takeState struct {
	Size  int
	Bound Row
}

// Take keeps the first limit rows of its input, either globally or per value
// of partitionKey. It stores the size and the last accepted row (the bound)
// of each window, plus maxBound, the largest bound of any window.
type Take struct {
	input        Input
	storage      Storage
	limit        int
	partitionKey string
	output       Output
}

// NewTake creates a Take. An empty partitionKey windows the whole input.
func NewTake(input Input, storage Storage, limit int, partitionKey string) *Take {
	if limit < 0 {
		panic("limit must be non-negative")
	}
	schema := input.GetSchema()
	AssertOrderingIncludesPK(schema.Sort, schema.PrimaryKey)
	t := &Take{input: input, storage: storage, limit: limit, partitionKey: partitionKey}
	input.SetOutput(t)
	return t
}

func (t *Take) GetSchema() *Schema { return t.input.GetSchema() }

func (t *Take) SetOutput(output Output) { t.output = output }

func (t *Take) Destroy() { t.input.Destroy() }

func takeStateKey(partitionValue Value) string {
	b, err := json.Marshal([]Value{"take", partitionValue})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (t *Take) getState(key string) (takeState, bool) {
	v, ok := t.storage.Get(key)
	if !ok {
		return takeState{}, false
	}
	return v.(takeState), true
}

func (t *Take) getMaxBound() Row {
	v, ok := t.storage.Get(maxBoundKey)
	if !ok {
		return nil
	}
	return v.(Row)
}

// matchesPartitionKey reports whether c selects exactly one window.
func (t *Take) matchesPartitionKey(c *Constraint) bool {
	return t.partitionKey == "" || (c != nil && c.Key == t.partitionKey)
}

func (t *Take) partitionValue(c *Constraint) Value {
	if t.partitionKey == "" || c == nil {
		return nil
	}
	return c.Value
}

func (t *Take) Fetch(req FetchRequest) Stream {
	return func(yield func(Node) bool) {
		compare := t.GetSchema().CompareRows
		if t.matchesPartitionKey(req.Constraint) {
			key := takeStateKey(t.partitionValue(req.Constraint))
			state, ok := t.getState(key)
			if !ok {
				t.initialFetch(req, key, yield)
				return
			}
			if state.Bound == nil {
				return
			}
			for n := range t.input.Fetch(req) {
				if compare(state.Bound, n.Row) < 0 {
					return
				}
				if !yield(n) {
					return
				}
			}
			return
		}

		// Partitioned, but not constrained on the partition key: there is no
		// single window to bound by, so check each row against its own.
		maxBound := t.getMaxBound()
		if maxBound == nil {
			return
		}
		for n := range t.input.Fetch(req) {
			if compare(n.Row, maxBound) > 0 {
				return
			}
			state, ok := t.getState(takeStateKey(n.Row[t.partitionKey]))
			if ok && state.Bound != nil && compare(state.Bound, n.Row) >= 0 {
				if !yield(n) {
					return
				}
			}
		}
	}
}

// initialFetch hydrates a window. It reads up to limit rows even if the
// consumer stops early so the stored state is always complete.
func (t *Take) initialFetch(req FetchRequest, key string, yield func(Node) bool) {
	if req.Start != nil {
		panic("initial fetch cannot have a start")
	}
	if !t.matchesPartitionKey(req.Constraint) {
		panic("initial fetch constraint must match the partition key")
	}
	if t.limit == 0 {
		t.setState(key, 0, nil, t.getMaxBound())
		return
	}
	size := 0
	var bound Row
	wantMore := true
	for n := range t.input.Fetch(req) {
		if wantMore {
			wantMore = yield(n)
		}
		bound = n.Row
		size++
		if size == t.limit {
			break
		}
	}
	t.setState(key, size, bound, t.getMaxBound())
}

func (t *Take) Cleanup(req FetchRequest) Stream {
	return func(yield func(Node) bool) {
		if req.Start != nil {
			panic("cleanup cannot have a start")
		}
		if !t.matchesPartitionKey(req.Constraint) {
			panic("cleanup constraint must match the partition key")
		}
		key := takeStateKey(t.partitionValue(req.Constraint))
		state, ok := t.getState(key)
		if !ok {
			return
		}
		t.storage.Del(key)
		compare := t.GetSchema().CompareRows
		for n := range t.input.Cleanup(req) {
			if state.Bound == nil || compare(state.Bound, n.Row) < 0 {
				return
			}
			if !yield(n) {
				return
			}
		}
	}
}

func (t *Take) Push(change Change) {
	if t.output == nil {
		panic("Output not set")
	}
	row := RowForChange(change)
	var partitionValue Value
	var constraint *Constraint
	if t.partitionKey != "" {
		partitionValue = row[t.partitionKey]
		constraint = &Constraint{Key: t.partitionKey, Value: partitionValue}
	}
	key := takeStateKey(partitionValue)
	state, ok := t.getState(key)
	if !ok {
		// This partition was never fetched.
		return
	}
	maxBound := t.getMaxBound()
	compare := t.GetSchema().CompareRows
	metrics.IncPush("take")

	switch change.Type {
	case ChangeAdd:
		if state.Size < t.limit {
			bound := state.Bound
			if bound == nil || compare(bound, row) < 0 {
				bound = row
			}
			t.setState(key, state.Size+1, bound, maxBound)
			t.output.Push(change)
			return
		}
		if state.Bound == nil || compare(row, state.Bound) >= 0 {
			return
		}
		// The row lands inside a full window: evict the bound.
		var before *Node
		var boundNode Node
		if t.limit == 1 {
			boundNode, _ = First(t.input.Fetch(FetchRequest{
				Constraint: constraint,
				Start:      &Start{Row: state.Bound, Basis: BasisAt},
			}))
		} else {
			nodes := takeN(t.input.Fetch(FetchRequest{
				Constraint: constraint,
				Start:      &Start{Row: state.Bound, Basis: BasisBefore},
			}), 2)
			switch len(nodes) {
			case 2:
				before, boundNode = &nodes[0], nodes[1]
			case 1:
				boundNode = nodes[0]
			}
		}
		newBound := row
		if before != nil && compare(row, before.Row) <= 0 {
			newBound = before.Row
		}
		t.setState(key, state.Size, newBound, maxBound)
		t.output.Push(RemoveChange(boundNode))
		t.output.Push(change)

	case ChangeRemove:
		if state.Bound == nil {
			return
		}
		cmpToBound := compare(row, state.Bound)
		if cmpToBound > 0 {
			return
		}
		// Refill from the first row past the bound.
		if after, ok := First(t.input.Fetch(FetchRequest{
			Constraint: constraint,
			Start:      &Start{Row: state.Bound, Basis: BasisAfter},
		})); ok {
			t.setState(key, state.Size, after.Row, maxBound)
			t.output.Push(change)
			t.output.Push(AddChange(after))
			return
		}
		newBound := state.Bound
		if cmpToBound == 0 {
			newBound = nil
			if prev, ok := First(t.input.Fetch(FetchRequest{
				Constraint: constraint,
				Start:      &Start{Row: state.Bound, Basis: BasisBefore},
			})); ok && compare(prev.Row, state.Bound) < 0 {
				newBound = prev.Row
			}
		}
		t.setState(key, state.Size-1, newBound, maxBound)
		t.output.Push(change)

	case ChangeChild:
		if state.Bound != nil && compare(change.Row, state.Bound) <= 0 {
			t.output.Push(change)
		}
	}
}

func (t *Take) setState(key string, size int, bound Row, maxBound Row) {
	t.storage.Set(key, takeState{Size: size, Bound: bound})
	if bound != nil && (maxBound == nil || t.GetSchema().CompareRows(bound, maxBound) > 0) {
		t.storage.Set(maxBoundKey, bound)
	}
}
