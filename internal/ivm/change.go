package ivm

// ChangeType tags the active variant of a Change.
type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeRemove
	ChangeChild
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	default:
		return "child"
	}
}

// ChildChange is a change to the relationship of an ancestor row.
type ChildChange struct {
	RelationshipName string
	Change           Change
}

// Change is add(Node), remove(Node) or child(Row, ChildChange). Build it with
// AddChange, RemoveChange or ChildOf so exactly one variant is set.
type Change struct {
	Type  ChangeType
	Node  Node
	Row   Row
	Child *ChildChange
}

func AddChange(n Node) Change { return Change{Type: ChangeAdd, Node: n} }

func RemoveChange(n Node) Change { return Change{Type: ChangeRemove, Node: n} }

func ChildOf(row Row, relationship string, c Change) Change {
	return Change{Type: ChangeChild, Row: row, Child: &ChildChange{RelationshipName: relationship, Change: c}}
}

// RowForChange is the row a change is addressed to.
func RowForChange(c Change) Row {
	if c.Type == ChangeChild {
		return c.Row
	}
	return c.Node.Row
}
