package view

import (
	"sync"

	"github.com/google/btree"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
)

// TreeView materializes a flat query result in a btree. Each Flush freezes
// a copy-on-write clone so Data stays stable until the next flush. With a
// limit, the view holds the first limit rows and refills from its input
// when a row inside the window is removed.
type TreeView struct {
	input     ivm.Input
	compare   ivm.Comparator
	limit     int
	tree      *btree.BTreeG[ivm.Row]
	snapshot  *btree.BTreeG[ivm.Row]
	listeners listeners
	hydrated  bool
	dirty     bool
	destroy   sync.Once
}

// NewTreeView creates a view. A nil limit keeps every row.
func NewTreeView(input ivm.Input, limit *int) *TreeView {
	compare := input.GetSchema().CompareRows
	v := &TreeView{
		input:   input,
		compare: compare,
		limit:   -1,
		tree:    btree.NewG(32, func(a, b ivm.Row) bool { return compare(a, b) < 0 }),
	}
	if limit != nil {
		v.limit = *limit
	}
	v.snapshot = v.tree.Clone()
	input.SetOutput(v)
	return v
}

func (v *TreeView) full() bool {
	return v.limit >= 0 && v.tree.Len() >= v.limit
}

func (v *TreeView) Hydrate() {
	if v.hydrated {
		panic("Can't hydrate twice")
	}
	v.hydrated = true
	if v.limit != 0 {
		for n := range v.input.Fetch(ivm.FetchRequest{}) {
			v.tree.ReplaceOrInsert(n.Row)
			if v.full() {
				break
			}
		}
	}
	v.snapshot = v.tree.Clone()
	v.listeners.fire(v.Data())
}

func (v *TreeView) Push(change ivm.Change) {
	switch change.Type {
	case ivm.ChangeAdd:
		row := change.Node.Row
		if v.tree.Has(row) {
			panic("node already exists")
		}
		if v.full() {
			maxRow, ok := v.tree.Max()
			if !ok || v.compare(row, maxRow) > 0 {
				return
			}
			v.tree.Delete(maxRow)
		}
		v.tree.ReplaceOrInsert(row)
		v.dirty = true

	case ivm.ChangeRemove:
		row := change.Node.Row
		wasFull := v.full()
		if _, ok := v.tree.Delete(row); !ok {
			if v.limit >= 0 {
				// Outside the window.
				return
			}
			panic("node does not exist")
		}
		v.dirty = true
		if wasFull {
			v.refill(row)
		}
	}
}

// refill pulls the first input row after the window once a row inside it
// was removed.
func (v *TreeView) refill(removed ivm.Row) {
	start := removed
	if maxRow, ok := v.tree.Max(); ok && v.compare(maxRow, start) > 0 {
		start = maxRow
	}
	next, ok := ivm.First(v.input.Fetch(ivm.FetchRequest{
		Start: &ivm.Start{Row: start, Basis: ivm.BasisAfter},
	}))
	if ok {
		v.tree.ReplaceOrInsert(next.Row)
	}
}

// Flush freezes the current rows and notifies listeners if anything changed.
func (v *TreeView) Flush() {
	if !v.dirty {
		return
	}
	v.dirty = false
	v.snapshot = v.tree.Clone()
	v.listeners.fire(v.Data())
}

// Data returns the rows as of the last flush.
func (v *TreeView) Data() []ivm.Row {
	out := make([]ivm.Row, 0, v.snapshot.Len())
	v.snapshot.Ascend(func(r ivm.Row) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (v *TreeView) AddListener(l Listener) func() {
	unsubscribe := v.listeners.add(l)
	if v.hydrated {
		l.ViewChanged(v.Data())
	}
	return unsubscribe
}

func (v *TreeView) Destroy() {
	v.destroy.Do(func() {
		v.listeners.clear()
		v.input.Destroy()
	})
}
