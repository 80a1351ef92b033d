package ivm

import "maps"

// ValueType is the declared type of a column.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeNull    ValueType = "null"
	TypeJSON    ValueType = "json"
)

// Schema describes the nodes an operator produces.
type Schema struct {
	TableName     string
	Columns       map[string]ValueType
	PrimaryKey    []string
	Sort          Ordering
	Relationships map[string]*Schema
	// IsHidden elides this level from materialized output; its children are
	// spliced into the parent's position.
	IsHidden    bool
	CompareRows Comparator
}

// withRelationship returns a copy of s with child attached under name.
func (s *Schema) withRelationship(name string, child *Schema, hidden bool) *Schema {
	out := *s
	out.Relationships = make(map[string]*Schema, len(s.Relationships)+1)
	maps.Copy(out.Relationships, s.Relationships)
	c := *child
	c.IsHidden = hidden
	out.Relationships[name] = &c
	return &out
}
