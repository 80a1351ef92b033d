package ivm

import (
	"encoding/json"
	"maps"

	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

// JoinArgs configures a Join.
type JoinArgs struct {
	Parent           Input
	Child            Input
	Storage          Storage
	ParentKey        string
	ChildKey         string
	RelationshipName string
	Hidden           bool
}

// Join attaches to each parent node a relationship holding the child nodes
// whose ChildKey equals the parent's ParentKey. Output is hierarchical, not
// a flat product.
//
// Storage records one key per (join value, parent primary key) seen by fetch.
// A cleanup only cleans up the child side when no other parent with the same
// join value is still recorded; otherwise it fetches instead so the shared
// child state stays alive.
type Join struct {
	parent           Input
	child            Input
	storage          Storage
	parentKey        string
	childKey         string
	relationshipName string
	schema           *Schema
	output           Output
}

type joinMode int

const (
	modeFetch joinMode = iota
	modeCleanup
)

func NewJoin(args JoinArgs) *Join {
	if args.Parent == args.Child {
		panic("Parent and child must be different operators")
	}
	j := &Join{
		parent:           args.Parent,
		child:            args.Child,
		storage:          args.Storage,
		parentKey:        args.ParentKey,
		childKey:         args.ChildKey,
		relationshipName: args.RelationshipName,
	}
	j.schema = args.Parent.GetSchema().withRelationship(args.RelationshipName, args.Child.GetSchema(), args.Hidden)
	args.Parent.SetOutput(OutputFunc(j.pushParent))
	args.Child.SetOutput(OutputFunc(j.pushChild))
	return j
}

func (j *Join) GetSchema() *Schema { return j.schema }

func (j *Join) SetOutput(output Output) { j.output = output }

func (j *Join) Destroy() {
	j.parent.Destroy()
	j.child.Destroy()
}

func (j *Join) Fetch(req FetchRequest) Stream {
	return func(yield func(Node) bool) {
		for n := range j.parent.Fetch(req) {
			if !yield(j.processParentNode(n, modeFetch)) {
				return
			}
		}
	}
}

func (j *Join) Cleanup(req FetchRequest) Stream {
	return func(yield func(Node) bool) {
		for n := range j.parent.Cleanup(req) {
			if !yield(j.processParentNode(n, modeCleanup)) {
				return
			}
		}
	}
}

func (j *Join) pushParent(change Change) {
	if j.output == nil {
		panic("Output not set")
	}
	metrics.IncPush("join")
	switch change.Type {
	case ChangeAdd:
		j.output.Push(AddChange(j.processParentNode(change.Node, modeFetch)))
	case ChangeRemove:
		j.output.Push(RemoveChange(j.processParentNode(change.Node, modeCleanup)))
	case ChangeChild:
		j.output.Push(change)
	}
}

func (j *Join) pushChild(change Change) {
	if j.output == nil {
		panic("Output not set")
	}
	metrics.IncPush("join")
	childRow := RowForChange(change)
	parents := j.parent.Fetch(FetchRequest{
		Constraint: &Constraint{Key: j.parentKey, Value: childRow[j.childKey]},
	})
	for p := range parents {
		j.output.Push(ChildOf(p.Row, j.relationshipName, change))
	}
}

func (j *Join) processParentNode(parent Node, mode joinMode) Node {
	joinValue := parent.Row[j.parentKey]
	storageKey := j.storageKey(parent.Row)

	method := mode
	if mode == modeCleanup {
		seen := 0
		for range j.storage.Scan(storageKeyForValues([]Value{joinValue})) {
			seen++
			if seen == 2 {
				break
			}
		}
		if seen == 2 {
			method = modeFetch
		}
	}

	req := FetchRequest{Constraint: &Constraint{Key: j.childKey, Value: joinValue}}
	var children Stream
	if method == modeFetch {
		children = j.child.Fetch(req)
	} else {
		children = j.child.Cleanup(req)
	}

	if mode == modeFetch {
		j.storage.Set(storageKey, true)
	} else {
		j.storage.Del(storageKey)
	}

	rels := make(map[string]Stream, len(parent.Relationships)+1)
	maps.Copy(rels, parent.Relationships)
	rels[j.relationshipName] = children
	return Node{Row: parent.Row, Relationships: rels}
}

func (j *Join) storageKey(row Row) string {
	values := []Value{row[j.parentKey]}
	for _, pk := range j.parent.GetSchema().PrimaryKey {
		values = append(values, row[pk])
	}
	return storageKeyForValues(values)
}

// storageKeyForValues renders values as a JSON array without brackets and
// with a trailing comma, so the key for a join value is a prefix of the keys
// for every (join value, primary key) pair.
func storageKeyForValues(values []Value) string {
	b, err := json.Marshal(append([]Value{"pKeySet"}, values...))
	if err != nil {
		panic(err)
	}
	return string(b[1:len(b)-1]) + ","
}
