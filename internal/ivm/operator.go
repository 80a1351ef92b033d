package ivm

// Constraint restricts a fetch to rows whose Key column equals Value.
type Constraint struct {
	Key   string
	Value Value
}

// Basis positions a fetch relative to a start row.
type Basis string

const (
	// BasisAt starts at the first row >= Row.
	BasisAt Basis = "at"
	// BasisAfter starts at the first row > Row.
	BasisAfter Basis = "after"
	// BasisBefore starts at the last row < Row, or at the beginning.
	BasisBefore Basis = "before"
)

type Start struct {
	Row   Row
	Basis Basis
}

// FetchRequest is a pull from an Input.
type FetchRequest struct {
	Constraint *Constraint
	Start      *Start
}

// Output receives pushed changes.
type Output interface {
	Push(change Change)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(change Change)

func (f OutputFunc) Push(change Change) { f(change) }

// Input is the pull side of an operator.
type Input interface {
	GetSchema() *Schema
	// Fetch returns nodes in schema order.
	Fetch(req FetchRequest) Stream
	// Cleanup is Fetch that also releases state held for the returned nodes.
	Cleanup(req FetchRequest) Stream
	SetOutput(output Output)
	// Destroy releases resources and propagates upstream.
	Destroy()
}

// Operator is both an Input and an Output.
type Operator interface {
	Input
	Output
}
