// Package cvr keeps the Client View Record: what each client group has
// asked for, what it has been sent and at which version, persisted as a
// flat key space over storage.
package cvr

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
)

// Version orders CVR states. StateVersion follows upstream data; MinorVersion
// counts configuration changes within one StateVersion and resets when it
// advances. A zero MinorVersion is absent.
type Version struct {
	StateVersion LexiVersion `json:"stateVersion"`
	MinorVersion uint64      `json:"minorVersion,omitempty"`
}

// VersionString renders "state" or "state:lexi(minor)". The ":" sorts after
// the "/" key separator so "01/x" < "01:01/x".
func VersionString(v Version) string {
	if v.MinorVersion == 0 {
		return v.StateVersion
	}
	return v.StateVersion + ":" + VersionToLexi(v.MinorVersion)
}

func (v Version) String() string { return VersionString(v) }

func VersionFromString(s string) (Version, error) {
	state, minor, hasMinor := strings.Cut(s, ":")
	if _, err := VersionFromLexi(state); err != nil {
		return Version{}, err
	}
	if !hasMinor {
		return Version{StateVersion: state}, nil
	}
	if strings.Contains(minor, ":") {
		return Version{}, fmt.Errorf("%w: %q", errors.ErrInvalidVersion, s)
	}
	n, err := VersionFromLexi(minor)
	if err != nil {
		return Version{}, err
	}
	return Version{StateVersion: state, MinorVersion: n}, nil
}

// CmpVersions orders versions; nil sorts before everything.
func CmpVersions(a, b *Version) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c := strings.Compare(a.StateVersion, b.StateVersion); c != 0 {
		return c
	}
	switch {
	case a.MinorVersion < b.MinorVersion:
		return -1
	case a.MinorVersion > b.MinorVersion:
		return 1
	}
	return 0
}

// OneAfter is the smallest version after v; after nil comes {"00"}.
func OneAfter(v *Version) Version {
	if v == nil {
		return Version{StateVersion: VersionToLexi(0)}
	}
	return Version{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
}

type ClientRecord struct {
	ID           string  `json:"id"`
	PatchVersion Version `json:"patchVersion"`
	// DesiredQueryIDs is kept sorted.
	DesiredQueryIDs []string `json:"desiredQueryIDs"`
}

// QueryRecord tracks one query. A client query is desired once any client
// lists it and gotten once PatchVersion is set. Internal queries track rows
// for the server's own use and are never desired or gotten.
type QueryRecord struct {
	ID                    string             `json:"id"`
	AST                   ast.AST            `json:"ast"`
	TransformationHash    string             `json:"transformationHash,omitempty"`
	TransformationVersion *Version           `json:"transformationVersion,omitempty"`
	PatchVersion          *Version           `json:"patchVersion,omitempty"`
	DesiredBy             map[string]Version `json:"desiredBy,omitempty"`
	Internal              bool               `json:"internal,omitempty"`
}

type RowID struct {
	Schema string         `json:"schema"`
	Table  string         `json:"table"`
	RowKey map[string]any `json:"rowKey"`
}

// QueriedColumns maps a column to the sorted IDs of the queries that read it.
type QueriedColumns map[string][]string

// Columns returns the column names in order.
func (q QueriedColumns) Columns() []string {
	return slices.Sorted(maps.Keys(q))
}

// RowRecord is the CVR's view of one row. A nil QueriedColumns is a
// tombstone for a row no query references anymore.
type RowRecord struct {
	ID             RowID          `json:"id"`
	RowVersion     string         `json:"rowVersion"`
	PatchVersion   Version        `json:"patchVersion"`
	QueriedColumns QueriedColumns `json:"queriedColumns"`
}

type LastActive struct {
	EpochMillis int64 `json:"epochMillis"`
}

type PatchType string

const (
	PatchClient PatchType = "client"
	PatchQuery  PatchType = "query"
	PatchRow    PatchType = "row"
)

type PatchOp string

const (
	OpPut       PatchOp = "put"
	OpDel       PatchOp = "del"
	OpMerge     PatchOp = "merge"
	OpConstrain PatchOp = "constrain"
)

// MetadataPatch is a stored client or query patch. ClientID is set for
// desired query patches and empty for got query patches.
type MetadataPatch struct {
	Type     PatchType `json:"type"`
	Op       PatchOp   `json:"op"`
	ID       string    `json:"id"`
	ClientID string    `json:"clientID,omitempty"`
}

// RowPatch is a stored row patch.
type RowPatch struct {
	Type       PatchType `json:"type"`
	Op         PatchOp   `json:"op"`
	ID         RowID     `json:"id"`
	RowVersion string    `json:"rowVersion,omitempty"`
	Columns    []string  `json:"columns,omitempty"`
}

// Patch is what clients receive.
type Patch struct {
	Type     PatchType      `json:"type"`
	Op       PatchOp        `json:"op"`
	ID       string         `json:"id,omitempty"`
	ClientID string         `json:"clientID,omitempty"`
	AST      *ast.AST       `json:"ast,omitempty"`
	RowID    *RowID         `json:"rowID,omitempty"`
	Contents map[string]any `json:"contents,omitempty"`
	Columns  []string       `json:"columns,omitempty"`
}

type PatchToVersion struct {
	Patch     Patch   `json:"patch"`
	ToVersion Version `json:"toVersion"`
}

// CVR is the in-memory aggregate loaded from storage.
type CVR struct {
	ID         string                   `json:"id"`
	Version    Version                  `json:"version"`
	LastActive LastActive               `json:"lastActive"`
	Clients    map[string]*ClientRecord `json:"clients"`
	Queries    map[string]*QueryRecord  `json:"queries"`
}

func newCVR(id string) *CVR {
	return &CVR{
		ID:      id,
		Version: Version{StateVersion: VersionToLexi(0)},
		Clients: map[string]*ClientRecord{},
		Queries: map[string]*QueryRecord{},
	}
}

// Clone deep copies the records. ASTs are shared; they are never mutated.
func (c *CVR) Clone() *CVR {
	out := &CVR{
		ID:         c.ID,
		Version:    c.Version,
		LastActive: c.LastActive,
		Clients:    make(map[string]*ClientRecord, len(c.Clients)),
		Queries:    make(map[string]*QueryRecord, len(c.Queries)),
	}
	for id, cl := range c.Clients {
		cp := *cl
		cp.DesiredQueryIDs = slices.Clone(cl.DesiredQueryIDs)
		out.Clients[id] = &cp
	}
	for id, q := range c.Queries {
		cp := *q
		cp.DesiredBy = maps.Clone(q.DesiredBy)
		if q.PatchVersion != nil {
			v := *q.PatchVersion
			cp.PatchVersion = &v
		}
		if q.TransformationVersion != nil {
			v := *q.TransformationVersion
			cp.TransformationVersion = &v
		}
		out.Queries[id] = &cp
	}
	return out
}

// QueryID is the identity of a query: the hash of its normalized AST.
func QueryID(a ast.AST) string {
	return ast.Hash(a)
}
