package ivm_test

import (
	"reflect"
	"testing"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm/ivmtest"
)

var commentColumns = map[string]ivm.ValueType{"id": ivm.TypeString, "issueID": ivm.TypeString}

func TestJoinFetchAttachesChildren(t *testing.T) {
	issues := newSource("issue", issueColumns, ivm.Row{"id": "i1"}, ivm.Row{"id": "i2"})
	comments := newSource("comment", commentColumns,
		ivm.Row{"id": "c1", "issueID": "i1"},
		ivm.Row{"id": "c2", "issueID": "i1"})
	storage := ivm.NewMemoryStorage()
	join := ivm.NewJoin(ivm.JoinArgs{
		Parent:           issues.Connect(byID),
		Child:            comments.Connect(byID),
		Storage:          storage,
		ParentKey:        "id",
		ChildKey:         "issueID",
		RelationshipName: "comments",
	})
	c := ivmtest.NewCatch(join)

	nodes := c.Fetch(ivm.FetchRequest{})
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 issues, got %d", len(nodes))
	}
	if got := ids(ivmtest.Rows(nodes[0].Relationships["comments"])); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("Expected i1 comments [c1 c2], got %v", got)
	}
	if got := len(nodes[1].Relationships["comments"]); got != 0 {
		t.Errorf("Expected i2 to have no comments, got %d", got)
	}
	if storage.Len() != 2 {
		t.Errorf("Expected one storage entry per parent, got %d", storage.Len())
	}
	if _, ok := join.GetSchema().Relationships["comments"]; !ok {
		t.Errorf("Expected schema to carry the comments relationship")
	}

	c.Cleanup(ivm.FetchRequest{})
	if storage.Len() != 0 {
		t.Errorf("Expected cleanup to release every parent, got %d entries", storage.Len())
	}
}

func TestJoinRejectsSameInput(t *testing.T) {
	issues := newSource("issue", issueColumns)
	in := issues.Connect(byID)
	expectPanic(t, "Parent and child must be different operators", func() {
		ivm.NewJoin(ivm.JoinArgs{Parent: in, Child: in, Storage: ivm.NewMemoryStorage(), ParentKey: "id", ChildKey: "id", RelationshipName: "self"})
	})
}

// Comments are the parents here so several parents share one join value.
// The child side is a partitioned Take whose state shows whether it was
// fetched or cleaned up.
func TestJoinCleanupKeepsSharedChildUntilLastParent(t *testing.T) {
	comments := newSource("comment", commentColumns,
		ivm.Row{"id": "c1", "issueID": "i1"},
		ivm.Row{"id": "c2", "issueID": "i1"},
		ivm.Row{"id": "c3", "issueID": "i2"})
	issues := newSource("issue", issueColumns, ivm.Row{"id": "i1"}, ivm.Row{"id": "i2"})

	takeStorage := ivm.NewMemoryStorage()
	take := ivm.NewTake(issues.Connect(byID), takeStorage, 1, "id")
	joinStorage := ivm.NewMemoryStorage()
	join := ivm.NewJoin(ivm.JoinArgs{
		Parent:           comments.Connect(byID),
		Child:            take,
		Storage:          joinStorage,
		ParentKey:        "issueID",
		ChildKey:         "id",
		RelationshipName: "issue",
	})
	c := ivmtest.NewCatch(join)
	c.Fetch(ivm.FetchRequest{})

	// take state for i1 and i2 plus maxBound
	if takeStorage.Len() != 3 || joinStorage.Len() != 3 {
		t.Fatalf("Expected 3 take and 3 join entries, got %d and %d", takeStorage.Len(), joinStorage.Len())
	}

	comments.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: ivm.Row{"id": "c1"}})
	if takeStorage.Len() != 3 {
		t.Fatalf("Expected i1 to stay fetched while c2 references it, got %d take entries", takeStorage.Len())
	}
	if got := c.Pushes[0].Node.Relationships["issue"]; len(got) != 1 {
		t.Errorf("Expected removed comment to carry its issue, got %v", got)
	}

	comments.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: ivm.Row{"id": "c2"}})
	if takeStorage.Len() != 2 {
		t.Errorf("Expected i1 to be cleaned up with its last parent, got %d take entries", takeStorage.Len())
	}
	if joinStorage.Len() != 1 {
		t.Errorf("Expected only c3 to remain recorded, got %d", joinStorage.Len())
	}

	comments.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "c4", "issueID": "i1"}})
	last := c.Pushes[len(c.Pushes)-1]
	if last.Type != ivm.ChangeAdd || len(last.Node.Relationships["issue"]) != 1 {
		t.Errorf("Expected re-added parent to hydrate its issue, got %+v", last)
	}
	if takeStorage.Len() != 3 {
		t.Errorf("Expected i1 take state to be rebuilt, got %d", takeStorage.Len())
	}
}

func TestJoinChildPushFansOutToParents(t *testing.T) {
	issues := newSource("issue", issueColumns, ivm.Row{"id": "i1"}, ivm.Row{"id": "i2"})
	comments := newSource("comment", commentColumns)
	join := ivm.NewJoin(ivm.JoinArgs{
		Parent:           issues.Connect(byID),
		Child:            comments.Connect(byID),
		Storage:          ivm.NewMemoryStorage(),
		ParentKey:        "id",
		ChildKey:         "issueID",
		RelationshipName: "comments",
	})
	c := ivmtest.NewCatch(join)
	c.Fetch(ivm.FetchRequest{})

	comments.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "c1", "issueID": "i2"}})
	if len(c.Pushes) != 1 {
		t.Fatalf("Expected one push, got %d", len(c.Pushes))
	}
	p := c.Pushes[0]
	if p.Type != ivm.ChangeChild || p.Row["id"] != "i2" {
		t.Fatalf("Expected child change on i2, got %+v", p)
	}
	if p.Child.RelationshipName != "comments" || p.Child.Change.Node.Row["id"] != "c1" {
		t.Errorf("Expected comments add of c1, got %+v", p.Child)
	}

	c.Reset()
	comments.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: ivm.Row{"id": "c2", "issueID": "nope"}})
	if len(c.Pushes) != 0 {
		t.Errorf("Expected orphan comment to produce nothing, got %+v", c.Pushes)
	}
}
