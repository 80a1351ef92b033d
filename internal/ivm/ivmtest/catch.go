// Package ivmtest holds helpers for testing operator graphs.
package ivmtest

import "github.com/kartikbazzad/bunbase/bunsync/internal/ivm"

// Node is a fully expanded ivm.Node.
type Node struct {
	Row           ivm.Row
	Relationships map[string][]Node
}

// Change is a fully expanded ivm.Change.
type Change struct {
	Type ivm.ChangeType
	// Node is set for add and remove.
	Node Node
	// Row and Child are set for child changes.
	Row   ivm.Row
	Child *ChildChange
}

type ChildChange struct {
	RelationshipName string
	Change           Change
}

// Catch is a terminal Output that records every push and expands fetches.
type Catch struct {
	input  ivm.Input
	Pushes []Change
}

func NewCatch(input ivm.Input) *Catch {
	c := &Catch{input: input}
	input.SetOutput(c)
	return c
}

func (c *Catch) Push(change ivm.Change) {
	c.Pushes = append(c.Pushes, ExpandChange(change))
}

// Fetch pulls and expands every node.
func (c *Catch) Fetch(req ivm.FetchRequest) []Node {
	return ExpandStream(c.input.Fetch(req))
}

func (c *Catch) Cleanup(req ivm.FetchRequest) []Node {
	return ExpandStream(c.input.Cleanup(req))
}

// Reset forgets recorded pushes.
func (c *Catch) Reset() { c.Pushes = nil }

func ExpandStream(s ivm.Stream) []Node {
	var out []Node
	for n := range s {
		out = append(out, ExpandNode(n))
	}
	return out
}

func ExpandNode(n ivm.Node) Node {
	out := Node{Row: n.Row, Relationships: map[string][]Node{}}
	for name, rel := range n.Relationships {
		out.Relationships[name] = ExpandStream(rel)
	}
	return out
}

func ExpandChange(c ivm.Change) Change {
	switch c.Type {
	case ivm.ChangeChild:
		return Change{
			Type: c.Type,
			Row:  c.Row,
			Child: &ChildChange{
				RelationshipName: c.Child.RelationshipName,
				Change:           ExpandChange(c.Child.Change),
			},
		}
	default:
		return Change{Type: c.Type, Node: ExpandNode(c.Node)}
	}
}

// Rows returns the rows of nodes in order.
func Rows(nodes []Node) []ivm.Row {
	out := make([]ivm.Row, len(nodes))
	for i, n := range nodes {
		out[i] = n.Row
	}
	return out
}
