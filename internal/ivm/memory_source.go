package ivm

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/google/btree"

	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

// SourceChangeType is the kind of an external mutation.
type SourceChangeType int

const (
	SourceAdd SourceChangeType = iota
	SourceRemove
)

// SourceChange is a mutation pushed into a Source.
type SourceChange struct {
	Type SourceChangeType
	Row  Row
}

// Source owns the canonical rows of a table and hands out connections.
type Source interface {
	Connect(sort Ordering) Input
	Push(change SourceChange)
}

type overlay struct {
	outputIndex int
	change      SourceChange
}

type index struct {
	comparator Comparator
	data       *btree.BTreeG[Row]
	usedBy     map[*connection]struct{}
}

type connection struct {
	input  *sourceInput
	output Output
	schema *Schema
}

// MemorySource keeps a table's rows in sorted btree indexes. The primary key
// index always exists; other indexes are built on first use and dropped when
// the last connection using them disconnects.
type MemorySource struct {
	tableName        string
	columns          map[string]ValueType
	primaryKey       []string
	primaryIndexSort Ordering
	indexes          map[string]*index
	connections      []*connection
	overlay          *overlay
}

func NewMemorySource(tableName string, columns map[string]ValueType, primaryKey []string) *MemorySource {
	s := &MemorySource{
		tableName:   tableName,
		columns:     columns,
		primaryKey:  primaryKey,
		indexes:     make(map[string]*index),
	}
	for _, pk := range primaryKey {
		s.primaryIndexSort = append(s.primaryIndexSort, OrderPart{Field: pk, Direction: Asc})
	}
	s.indexes[indexKey(s.primaryIndexSort)] = newIndex(s.primaryIndexSort)
	return s
}

func newIndex(sort Ordering) *index {
	cmp := makeBoundComparator(sort)
	return &index{
		comparator: cmp,
		data:       btree.NewG(32, func(a, b Row) bool { return cmp(a, b) < 0 }),
		usedBy:     make(map[*connection]struct{}),
	}
}

func indexKey(sort Ordering) string {
	parts := make([]string, len(sort))
	for i, p := range sort {
		parts[i] = p.Field + ":" + string(p.Direction)
	}
	return strings.Join(parts, ",")
}

func (s *MemorySource) TableName() string { return s.tableName }

func (s *MemorySource) PrimaryKey() []string { return s.primaryKey }

func (s *MemorySource) Columns() map[string]ValueType { return s.columns }

// Connect returns an Input observing this source in the given order.
func (s *MemorySource) Connect(sort Ordering) Input {
	AssertOrderingIncludesPK(sort, s.primaryKey)
	conn := &connection{
		schema: &Schema{
			TableName:     s.tableName,
			Columns:       s.columns,
			PrimaryKey:    s.primaryKey,
			Sort:          sort,
			Relationships: map[string]*Schema{},
			CompareRows:   MakeComparator(sort),
		},
	}
	conn.input = &sourceInput{source: s, conn: conn}
	s.connections = append(s.connections, conn)
	return conn.input
}

func (s *MemorySource) disconnect(conn *connection) {
	idx := slices.Index(s.connections, conn)
	if idx == -1 {
		return
	}
	s.connections = slices.Delete(s.connections, idx, idx+1)
	primary := indexKey(s.primaryIndexSort)
	for key, index := range s.indexes {
		if key == primary {
			continue
		}
		delete(index.usedBy, conn)
		if len(index.usedBy) == 0 {
			delete(s.indexes, key)
		}
	}
}

func (s *MemorySource) primaryIndex() *index {
	return s.indexes[indexKey(s.primaryIndexSort)]
}

func (s *MemorySource) getOrCreateIndex(sort Ordering, usedBy *connection) *index {
	key := indexKey(sort)
	if idx, ok := s.indexes[key]; ok {
		idx.usedBy[usedBy] = struct{}{}
		return idx
	}
	idx := newIndex(sort)
	s.primaryIndex().data.Ascend(func(r Row) bool {
		idx.data.ReplaceOrInsert(r)
		return true
	})
	idx.usedBy[usedBy] = struct{}{}
	s.indexes[key] = idx
	return idx
}

// IndexKeys lists the live indexes.
func (s *MemorySource) IndexKeys() []string {
	keys := make([]string, 0, len(s.indexes))
	for k := range s.indexes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Rows returns every row in primary key order.
func (s *MemorySource) Rows() []Row {
	var out []Row
	s.primaryIndex().data.Ascend(func(r Row) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Get looks a row up by its primary key columns.
func (s *MemorySource) Get(pk Row) (Row, bool) {
	return s.primaryIndex().data.Get(pk)
}

// Push applies an external mutation. Every connected output sees the change
// in connection order; while output i handles it, connections 0..i fetch as
// if the change were already applied and later connections as if it were not.
func (s *MemorySource) Push(change SourceChange) {
	primary := s.primaryIndex()
	stored, exists := primary.data.Get(change.Row)
	switch change.Type {
	case SourceAdd:
		if exists {
			panic("Row already exists: " + mustJSON(change.Row))
		}
	case SourceRemove:
		if !exists {
			panic("Row not found: " + mustJSON(change.Row))
		}
		change.Row = stored
	}

	node := Node{Row: change.Row}
	out := AddChange(node)
	if change.Type == SourceRemove {
		out = RemoveChange(node)
	}
	for i, conn := range slices.Clone(s.connections) {
		if conn.output != nil {
			s.overlay = &overlay{outputIndex: i, change: change}
			conn.output.Push(out)
		}
	}
	s.overlay = nil

	for _, idx := range s.indexes {
		if change.Type == SourceAdd {
			idx.data.ReplaceOrInsert(change.Row)
		} else {
			idx.data.Delete(change.Row)
		}
	}
	metrics.IncPush("source")
}

func matchesConstraint(c *Constraint, row Row) bool {
	return c == nil || ValuesEqual(row[c.Key], c.Value)
}

func (s *MemorySource) fetch(req FetchRequest, conn *connection) Stream {
	return func(yield func(Node) bool) {
		callingIdx := slices.Index(s.connections, conn)
		if callingIdx == -1 {
			panic("connection not found")
		}

		var indexSort Ordering
		if req.Constraint != nil {
			indexSort = append(indexSort, OrderPart{Field: req.Constraint.Key, Direction: Asc})
		}
		// A single-column primary key constraint matches at most one row.
		if len(s.primaryKey) > 1 || req.Constraint == nil || req.Constraint.Key != s.primaryKey[0] {
			indexSort = append(indexSort, conn.schema.Sort...)
		}
		idx := s.getOrCreateIndex(indexSort, conn)

		var ov *SourceChange
		if s.overlay != nil && callingIdx <= s.overlay.outputIndex {
			c := s.overlay.change
			if matchesConstraint(req.Constraint, c.Row) {
				ov = &c
			}
		}

		var startAt Row
		if req.Start != nil {
			if !matchesConstraint(req.Constraint, req.Start.Row) {
				panic("start row must match constraint")
			}
			startAt = req.Start.Row
			if req.Start.Basis == BasisBefore {
				startAt = s.nextLower(idx, startAt, req.Constraint, ov)
			}
		}

		seek := startAt
		if req.Constraint != nil {
			seek = Row{}
			for _, part := range indexSort {
				if part.Field == req.Constraint.Key {
					seek[part.Field] = req.Constraint.Value
				} else if part.Direction == Asc {
					seek[part.Field] = minBound
				} else {
					seek[part.Field] = maxBound
				}
			}
		}

		rows := func(yield func(Row) bool) {
			if seek == nil {
				idx.data.Ascend(func(r Row) bool { return yield(r) })
				return
			}
			idx.data.AscendGreaterOrEqual(seek, func(r Row) bool { return yield(r) })
		}

		var add, remove Row
		if ov != nil {
			if ov.Type == SourceAdd {
				add = ov.Row
			} else {
				remove = ov.Row
			}
			if startAt != nil {
				if add != nil && idx.comparator(add, startAt) < 0 {
					add = nil
				}
				if remove != nil && idx.comparator(remove, startAt) < 0 {
					remove = nil
				}
			}
		}

		merged := withOverlay(rows, add, remove, idx.comparator)
		started := withStart(merged, req.Start, idx.comparator)
		for r := range started {
			if !matchesConstraint(req.Constraint, r) {
				return
			}
			if !yield(Node{Row: r}) {
				return
			}
		}
	}
}

// nextLower finds the last visible row strictly below row.
func (s *MemorySource) nextLower(idx *index, row Row, c *Constraint, ov *SourceChange) Row {
	var found Row
	idx.data.DescendLessOrEqual(row, func(r Row) bool {
		if idx.comparator(r, row) == 0 {
			return true
		}
		if ov != nil && ov.Type == SourceRemove && idx.comparator(r, ov.Row) == 0 {
			return true
		}
		if !matchesConstraint(c, r) {
			return false
		}
		found = r
		return false
	})
	if ov != nil && ov.Type == SourceAdd && idx.comparator(ov.Row, row) < 0 &&
		(found == nil || idx.comparator(ov.Row, found) > 0) {
		return ov.Row
	}
	return found
}

func withOverlay(rows iter.Seq[Row], add, remove Row, cmp Comparator) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		addYielded := add == nil
		removeSkipped := remove == nil
		for r := range rows {
			if !addYielded && cmp(add, r) < 0 {
				addYielded = true
				if !yield(add) {
					return
				}
			}
			if !removeSkipped && cmp(remove, r) == 0 {
				removeSkipped = true
				continue
			}
			if !yield(r) {
				return
			}
		}
		if !addYielded {
			yield(add)
		}
	}
}

// withStart drops rows ahead of the requested start. For BasisBefore the
// row immediately preceding the start row is kept.
func withStart(rows iter.Seq[Row], start *Start, cmp Comparator) iter.Seq[Row] {
	if start == nil {
		return rows
	}
	return func(yield func(Row) bool) {
		started := false
		var prev Row
		for r := range rows {
			if started {
				if !yield(r) {
					return
				}
				continue
			}
			c := cmp(r, start.Row)
			switch start.Basis {
			case BasisBefore:
				if c >= 0 {
					started = true
					if prev != nil && !yield(prev) {
						return
					}
					if !yield(r) {
						return
					}
					continue
				}
				prev = r
			case BasisAt:
				if c >= 0 {
					started = true
					if !yield(r) {
						return
					}
				}
			case BasisAfter:
				if c > 0 {
					started = true
					if !yield(r) {
						return
					}
				}
			}
		}
		if !started && prev != nil {
			yield(prev)
		}
	}
}

type bound int

const (
	minBound bound = iota
	maxBound
)

func compareBounds(a, b Value) int {
	ab, aIsBound := a.(bound)
	bb, bIsBound := b.(bound)
	switch {
	case aIsBound && bIsBound:
		return int(ab) - int(bb)
	case aIsBound:
		if ab == minBound {
			return -1
		}
		return 1
	case bIsBound:
		if bb == minBound {
			return 1
		}
		return -1
	}
	return CompareValues(a, b)
}

func makeBoundComparator(sort Ordering) Comparator {
	return func(a, b Row) int {
		for _, part := range sort {
			if cmp := compareBounds(a[part.Field], b[part.Field]); cmp != 0 {
				if part.Direction == Desc {
					return -cmp
				}
				return cmp
			}
		}
		return 0
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

type sourceInput struct {
	source *MemorySource
	conn   *connection
}

func (in *sourceInput) GetSchema() *Schema { return in.conn.schema }

func (in *sourceInput) Fetch(req FetchRequest) Stream { return in.source.fetch(req, in.conn) }

// Cleanup is identical to Fetch; a source keeps no per-fetch state.
func (in *sourceInput) Cleanup(req FetchRequest) Stream { return in.source.fetch(req, in.conn) }

func (in *sourceInput) SetOutput(output Output) { in.conn.output = output }

func (in *sourceInput) Destroy() { in.source.disconnect(in.conn) }
