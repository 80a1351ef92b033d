package view

import (
	"maps"
	"slices"
	"sync"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
)

// Entry is a materialized row. Relationship fields hold []Entry for plural
// relationships and Entry (or nil) for singular ones.
type Entry map[string]any

// Format shapes the materialized tree.
type Format struct {
	Singular      bool
	Relationships map[string]Format
}

// ArrayView materializes a hierarchical query result as nested sorted
// slices. Changes are applied as they are pushed; listeners only run on
// Flush so they never see a partially applied batch.
type ArrayView struct {
	input     ivm.Input
	schema    *ivm.Schema
	format    Format
	root      Entry
	listeners listeners
	hydrated  bool
	dirty     bool
	destroy   sync.Once
}

func NewArrayView(input ivm.Input, format Format) *ArrayView {
	v := &ArrayView{
		input:  input,
		schema: input.GetSchema(),
		format: format,
		root:   Entry{},
	}
	if !format.Singular {
		v.root[""] = []Entry{}
	}
	input.SetOutput(v)
	return v
}

// Data returns []Entry, or Entry for a singular format (nil when empty).
func (v *ArrayView) Data() any {
	d := v.root[""]
	if d == nil {
		return Entry(nil)
	}
	return d
}

// AddListener registers l and, if the view is hydrated, calls it right away.
// The returned func unregisters it.
func (v *ArrayView) AddListener(l Listener) func() {
	unsubscribe := v.listeners.add(l)
	if v.hydrated {
		l.ViewChanged(v.Data())
	}
	return unsubscribe
}

func (v *ArrayView) Hydrate() {
	if v.hydrated {
		panic("Can't hydrate twice")
	}
	v.hydrated = true
	for n := range v.input.Fetch(ivm.FetchRequest{}) {
		applyChange(v.root, ivm.AddChange(n), v.schema, "", v.format)
	}
	v.listeners.fire(v.Data())
}

func (v *ArrayView) Push(change ivm.Change) {
	v.dirty = true
	applyChange(v.root, change, v.schema, "", v.format)
}

// Flush notifies listeners if anything changed since the last flush.
func (v *ArrayView) Flush() {
	if !v.dirty {
		return
	}
	v.dirty = false
	v.listeners.fire(v.Data())
}

// Destroy releases listeners and the operator graph. Calling it again is a
// no-op.
func (v *ArrayView) Destroy() {
	v.destroy.Do(func() {
		v.listeners.clear()
		v.input.Destroy()
	})
}

func applyChange(parent Entry, change ivm.Change, schema *ivm.Schema, relationship string, format Format) {
	if schema.IsHidden {
		switch change.Type {
		case ivm.ChangeAdd, ivm.ChangeRemove:
			for rel, children := range change.Node.Relationships {
				childSchema := mustRelationship(schema, rel)
				for n := range children {
					applyChange(parent, ivm.Change{Type: change.Type, Node: n}, childSchema, rel, format)
				}
			}
		case ivm.ChangeChild:
			childSchema := mustRelationship(schema, change.Child.RelationshipName)
			applyChange(parent, change.Child.Change, childSchema, relationship, format)
		}
		return
	}

	switch change.Type {
	case ivm.ChangeAdd:
		entry := Entry(maps.Clone(change.Node.Row))
		if entry == nil {
			entry = Entry{}
		}
		if format.Singular {
			if e, _ := parent[relationship].(Entry); e != nil {
				panic("single output already exists")
			}
			parent[relationship] = entry
		} else {
			list := childList(parent, relationship)
			pos, found := search(list, change.Node.Row, schema.CompareRows)
			if found {
				panic("node already exists")
			}
			parent[relationship] = slices.Insert(list, pos, entry)
		}
		for rel, children := range change.Node.Relationships {
			childFormat, ok := format.Relationships[rel]
			if !ok {
				// Not materialized, but drain so upstream state is built.
				for range children {
				}
				continue
			}
			childSchema := mustRelationship(schema, rel)
			if childFormat.Singular {
				entry[rel] = Entry(nil)
			} else {
				entry[rel] = []Entry{}
			}
			for n := range children {
				applyChange(entry, ivm.AddChange(n), childSchema, rel, childFormat)
			}
		}

	case ivm.ChangeRemove:
		if format.Singular {
			if e, _ := parent[relationship].(Entry); e == nil {
				panic("node does not exist")
			}
			parent[relationship] = Entry(nil)
		} else {
			list := childList(parent, relationship)
			pos, found := search(list, change.Node.Row, schema.CompareRows)
			if !found {
				panic("node does not exist")
			}
			parent[relationship] = slices.Delete(list, pos, pos+1)
		}
		// Cleanup of operator state happens while the streams are read.
		drain(change.Node)

	case ivm.ChangeChild:
		var existing Entry
		if format.Singular {
			existing, _ = parent[relationship].(Entry)
			if existing == nil {
				panic("node does not exist")
			}
		} else {
			list := childList(parent, relationship)
			pos, found := search(list, change.Row, schema.CompareRows)
			if !found {
				panic("node does not exist")
			}
			existing = list[pos]
		}
		rel := change.Child.RelationshipName
		childFormat, ok := format.Relationships[rel]
		if !ok {
			return
		}
		applyChange(existing, change.Child.Change, mustRelationship(schema, rel), rel, childFormat)
	}
}

func mustRelationship(schema *ivm.Schema, name string) *ivm.Schema {
	s, ok := schema.Relationships[name]
	if !ok {
		panic("unknown relationship " + name)
	}
	return s
}

func childList(parent Entry, relationship string) []Entry {
	list, _ := parent[relationship].([]Entry)
	return list
}

func search(list []Entry, row ivm.Row, compare ivm.Comparator) (int, bool) {
	return slices.BinarySearchFunc(list, row, func(e Entry, r ivm.Row) int {
		return compare(ivm.Row(e), r)
	})
}

func drain(n ivm.Node) {
	for _, children := range n.Relationships {
		for child := range children {
			drain(child)
		}
	}
}
