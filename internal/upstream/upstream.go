// Package upstream is the replicated database the view-syncer reads from:
// an in-memory replica built on IVM sources, and a Postgres replica.
package upstream

import "github.com/kartikbazzad/bunbase/bunsync/internal/cvr"

// Topic is the broker topic replica notifications are published on.
const Topic = "replica"

// VersionColumn holds the state version a row was last written at.
const VersionColumn = "_0_version"

// DefaultSchema is used for queries that do not name one.
const DefaultSchema = "public"

// Notification announces that the replica advanced to Version. Tables lists
// the tables that changed; empty means any.
type Notification struct {
	Version cvr.LexiVersion `json:"version"`
	Tables  []string        `json:"tables,omitempty"`
}

// QueryRow is one row of a query result, at any level of the result tree.
type QueryRow struct {
	Schema     string
	Table      string
	PrimaryKey map[string]any
	// Row holds the queried columns plus the primary key.
	Row        map[string]any
	RowVersion string
	Columns    []string
}

// ChangeOp is the kind of a replicated row change.
type ChangeOp string

const (
	OpPut ChangeOp = "put"
	OpDel ChangeOp = "del"
)

// RowChange is a replicated write. A put replaces any row with the same
// primary key; a del needs only the primary key columns.
type RowChange struct {
	Table string         `json:"table"`
	Op    ChangeOp       `json:"op"`
	Row   map[string]any `json:"row"`
}

func schemaOf(name string) string {
	if name == "" {
		return DefaultSchema
	}
	return name
}
