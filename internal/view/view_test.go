package view

import (
	"reflect"
	"strings"
	"testing"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
)

func expectPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		msg, _ := r.(string)
		if r == nil || !strings.Contains(msg, contains) {
			t.Fatalf("Expected panic containing %q, got %v", contains, r)
		}
	}()
	fn()
}

func recorder() (Listener, *[]any) {
	var calls []any
	return NewListener(func(data any) { calls = append(calls, data) }), &calls
}

func abSource() (*ivm.MemorySource, ivm.Input) {
	src := ivm.NewMemorySource("t", map[string]ivm.ValueType{"a": ivm.TypeNumber, "b": ivm.TypeString}, []string{"a"})
	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"a": 1, "b": "a"}})
	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"a": 2, "b": "b"}})
	in := src.Connect(ivm.Ordering{{Field: "b", Direction: ivm.Asc}, {Field: "a", Direction: ivm.Asc}})
	return src, in
}

func TestArrayViewHydrateAndFlush(t *testing.T) {
	src, in := abSource()
	v := NewArrayView(in, Format{})
	l, calls := recorder()
	v.AddListener(l)
	v.Hydrate()

	want := []Entry{{"a": 1, "b": "a"}, {"a": 2, "b": "b"}}
	if len(*calls) != 1 || !reflect.DeepEqual((*calls)[0], want) {
		t.Fatalf("Expected hydrate to deliver %v, got %v", want, *calls)
	}

	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"a": 3, "b": "c"}})
	if len(*calls) != 1 {
		t.Fatalf("Expected listeners to wait for flush, got %d calls", len(*calls))
	}
	v.Flush()
	want = []Entry{{"a": 1, "b": "a"}, {"a": 2, "b": "b"}, {"a": 3, "b": "c"}}
	if len(*calls) != 2 || !reflect.DeepEqual((*calls)[1], want) {
		t.Fatalf("Expected %v after add, got %v", want, *calls)
	}

	src.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: ivm.Row{"a": 2, "b": "b"}})
	v.Flush()
	want = []Entry{{"a": 1, "b": "a"}, {"a": 3, "b": "c"}}
	if len(*calls) != 3 || !reflect.DeepEqual((*calls)[2], want) {
		t.Fatalf("Expected %v after remove, got %v", want, *calls)
	}

	v.Flush()
	if len(*calls) != 3 {
		t.Errorf("Expected a clean flush not to notify, got %d calls", len(*calls))
	}
}

func TestArrayViewListeners(t *testing.T) {
	_, in := abSource()
	v := NewArrayView(in, Format{})
	v.Hydrate()

	l, calls := recorder()
	unsubscribe := v.AddListener(l)
	if len(*calls) != 1 {
		t.Fatalf("Expected immediate call on a hydrated view, got %d", len(*calls))
	}
	expectPanic(t, "Listener already registered", func() { v.AddListener(l) })

	unsubscribe()
	v.Push(ivm.AddChange(ivm.Node{Row: ivm.Row{"a": 9, "b": "z"}}))
	v.Flush()
	if len(*calls) != 1 {
		t.Errorf("Expected no calls after unsubscribe, got %d", len(*calls))
	}

	expectPanic(t, "Can't hydrate twice", v.Hydrate)
	v.Destroy()
	v.Destroy()
}

func TestArrayViewInvariants(t *testing.T) {
	_, in := abSource()
	v := NewArrayView(in, Format{})
	v.Hydrate()
	expectPanic(t, "node already exists", func() {
		v.Push(ivm.AddChange(ivm.Node{Row: ivm.Row{"a": 1, "b": "a"}}))
	})
	expectPanic(t, "node does not exist", func() {
		v.Push(ivm.RemoveChange(ivm.Node{Row: ivm.Row{"a": 5, "b": "q"}}))
	})
	expectPanic(t, "node does not exist", func() {
		v.Push(ivm.ChildOf(ivm.Row{"a": 5, "b": "q"}, "x", ivm.AddChange(ivm.Node{})))
	})
}

func TestArrayViewSingular(t *testing.T) {
	src := ivm.NewMemorySource("t", map[string]ivm.ValueType{"a": ivm.TypeNumber}, []string{"a"})
	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"a": 1}})
	v := NewArrayView(src.Connect(ivm.Ordering{{Field: "a", Direction: ivm.Asc}}), Format{Singular: true})
	v.Hydrate()
	if got, _ := v.Data().(Entry); got["a"] != 1 {
		t.Fatalf("Expected single entry, got %v", v.Data())
	}
	expectPanic(t, "single output already exists", func() {
		src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"a": 2}})
	})
}

// issue -> issueLabel (hidden) -> label materializes as issue.labels.
func TestArrayViewHiddenJunction(t *testing.T) {
	byID := ivm.Ordering{{Field: "id", Direction: ivm.Asc}}
	issues := ivm.NewMemorySource("issue", map[string]ivm.ValueType{"id": ivm.TypeString}, []string{"id"})
	junction := ivm.NewMemorySource("issueLabel", map[string]ivm.ValueType{
		"id": ivm.TypeString, "issueID": ivm.TypeString, "labelID": ivm.TypeString,
	}, []string{"id"})
	labels := ivm.NewMemorySource("label", map[string]ivm.ValueType{"id": ivm.TypeString}, []string{"id"})
	issues.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "i1"}})
	labels.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "bug"}})
	labels.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "p1"}})
	junction.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "j1", "issueID": "i1", "labelID": "p1"}})

	inner := ivm.NewJoin(ivm.JoinArgs{
		Parent: junction.Connect(byID), Child: labels.Connect(byID), Storage: ivm.NewMemoryStorage(),
		ParentKey: "labelID", ChildKey: "id", RelationshipName: "labels",
	})
	outer := ivm.NewJoin(ivm.JoinArgs{
		Parent: issues.Connect(byID), Child: inner, Storage: ivm.NewMemoryStorage(),
		ParentKey: "id", ChildKey: "issueID", RelationshipName: "labels", Hidden: true,
	})
	v := NewArrayView(outer, Format{Relationships: map[string]Format{"labels": {}}})
	v.Hydrate()

	want := []Entry{{"id": "i1", "labels": []Entry{{"id": "p1"}}}}
	if !reflect.DeepEqual(v.Data(), want) {
		t.Fatalf("Expected %v, got %v", want, v.Data())
	}

	junction.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "j2", "issueID": "i1", "labelID": "bug"}})
	v.Flush()
	want = []Entry{{"id": "i1", "labels": []Entry{{"id": "bug"}, {"id": "p1"}}}}
	if !reflect.DeepEqual(v.Data(), want) {
		t.Fatalf("Expected %v after labelling, got %v", want, v.Data())
	}

	junction.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: ivm.Row{"id": "j1"}})
	want = []Entry{{"id": "i1", "labels": []Entry{{"id": "bug"}}}}
	if !reflect.DeepEqual(v.Data(), want) {
		t.Fatalf("Expected %v after unlabelling, got %v", want, v.Data())
	}
}

func treeIDs(rows []ivm.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r["id"].(string)
	}
	return out
}

func TestTreeViewWindow(t *testing.T) {
	byID := ivm.Ordering{{Field: "id", Direction: ivm.Asc}}
	src := ivm.NewMemorySource("t", map[string]ivm.ValueType{"id": ivm.TypeString}, []string{"id"})
	for _, id := range []string{"a", "b", "c"} {
		src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": id}})
	}
	limit := 2
	v := NewTreeView(src.Connect(byID), &limit)
	l, calls := recorder()
	v.AddListener(l)
	v.Hydrate()
	if got := treeIDs(v.Data()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Expected [a b], got %v", got)
	}

	src.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: ivm.Row{"id": "a"}})
	if got := treeIDs(v.Data()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected data to be frozen until flush, got %v", got)
	}
	v.Flush()
	if got := treeIDs(v.Data()); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Expected refill to [b c], got %v", got)
	}

	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "z"}})
	src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "ab"}})
	v.Flush()
	if got := treeIDs(v.Data()); !reflect.DeepEqual(got, []string{"ab", "b"}) {
		t.Errorf("Expected [ab b], got %v", got)
	}
	if len(*calls) != 3 {
		t.Errorf("Expected 3 notifications, got %d", len(*calls))
	}
	v.Destroy()
	v.Destroy()
}
