// Package ivm is the incremental view maintenance operator graph: sources,
// filters, joins and take windows connected through a push/pull protocol.
// A graph is driven by one goroutine at a time; a push drains through the
// whole downstream chain before it returns.
package ivm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
)

// Value is a scalar column value: nil, bool, a number, string or json.RawMessage.
type Value = any

// Row maps column names to values. Rows are never mutated once produced.
type Row map[string]Value

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type OrderPart struct {
	Field     string
	Direction Direction
}

type Ordering []OrderPart

// Comparator orders rows.
type Comparator func(a, b Row) int

// Node is a row plus its lazily fetched relationships.
type Node struct {
	Row           Row
	Relationships map[string]Stream
}

// Stream is a lazy, finite sequence of nodes. Ranging over it again
// re-fetches from current state.
type Stream = iter.Seq[Node]

func number(v Value) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// CompareValues orders nil first, then compares like kinds. Numbers of any
// Go numeric type compare numerically and strings compare by UTF-8 bytes.
// Comparing unlike kinds panics.
func CompareValues(a, b Value) int {
	if a == nil {
		if b == nil {
			return 0
		}
		return -1
	}
	if b == nil {
		return 1
	}
	if an, ok := number(a); ok {
		bn, ok := number(b)
		if !ok {
			panic(fmt.Sprintf("cannot compare %T with %T", a, b))
		}
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			panic(fmt.Sprintf("cannot compare %T with %T", a, b))
		}
		return strings.Compare(av, bv)
	case bool:
		bv, ok := b.(bool)
		if !ok {
			panic(fmt.Sprintf("cannot compare %T with %T", a, b))
		}
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case json.RawMessage:
		bv, ok := b.(json.RawMessage)
		if !ok {
			panic(fmt.Sprintf("cannot compare %T with %T", a, b))
		}
		return bytes.Compare(av, bv)
	}
	panic(fmt.Sprintf("unsupported value type %T", a))
}

// ValuesEqual is SQL equality: nil never equals anything.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return false
	}
	return CompareValues(a, b) == 0
}

// MakeComparator compares rows field by field following ordering.
func MakeComparator(ordering Ordering) Comparator {
	return func(a, b Row) int {
		for _, part := range ordering {
			if cmp := CompareValues(a[part.Field], b[part.Field]); cmp != 0 {
				if part.Direction == Desc {
					return -cmp
				}
				return cmp
			}
		}
		return 0
	}
}

// AssertOrderingIncludesPK panics unless every primary key column is ordered on.
func AssertOrderingIncludesPK(ordering Ordering, primaryKey []string) {
	for _, pk := range primaryKey {
		found := false
		for _, part := range ordering {
			if part.Field == pk {
				found = true
				break
			}
		}
		if !found {
			panic(fmt.Sprintf("ordering must include all primary key fields, missing %q", pk))
		}
	}
}

// WithPrimaryKey appends any primary key column missing from ordering.
func WithPrimaryKey(ordering Ordering, primaryKey []string) Ordering {
	out := append(Ordering(nil), ordering...)
	for _, pk := range primaryKey {
		found := false
		for _, part := range out {
			if part.Field == pk {
				found = true
				break
			}
		}
		if !found {
			out = append(out, OrderPart{Field: pk, Direction: Asc})
		}
	}
	return out
}

// takeN returns at most n nodes from s.
func takeN(s Stream, n int) []Node {
	if n <= 0 {
		return nil
	}
	out := make([]Node, 0, n)
	for node := range s {
		out = append(out, node)
		if len(out) == n {
			break
		}
	}
	return out
}

// First returns the first node of s.
func First(s Stream) (Node, bool) {
	for node := range s {
		return node, true
	}
	return Node{}, false
}

// emptyStream yields nothing.
func emptyStream(func(Node) bool) {}
