package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
)

// MemoryReplica is a replica held in IVM memory sources. Queries run as
// one-shot operator pipelines over the current rows.
type MemoryReplica struct {
	mu      sync.Mutex
	sources ivm.Sources
	version cvr.LexiVersion
	broker  *broker.Broker[Notification]
	log     *slog.Logger
}

func NewMemoryReplica(log *slog.Logger, b *broker.Broker[Notification]) *MemoryReplica {
	return &MemoryReplica{
		sources: ivm.Sources{},
		version: cvr.VersionToLexi(0),
		broker:  b,
		log:     log,
	}
}

// CreateTable registers an empty table. The version column is added to the
// declared columns.
func (r *MemoryReplica) CreateTable(name string, columns map[string]ivm.ValueType, primaryKey []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		panic("table already exists: " + name)
	}
	cols := maps.Clone(columns)
	cols[VersionColumn] = ivm.TypeString
	r.sources[name] = ivm.NewMemorySource(name, cols, primaryKey)
}

func (r *MemoryReplica) Version(context.Context) (cvr.LexiVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, nil
}

// NextVersion is the version following the current one.
func (r *MemoryReplica) NextVersion() cvr.LexiVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextVersion()
}

func (r *MemoryReplica) nextVersion() cvr.LexiVersion {
	n, err := cvr.VersionFromLexi(r.version)
	if err != nil {
		panic(err)
	}
	return cvr.VersionToLexi(n + 1)
}

// Apply writes changes at version, which must be ahead of the replica's,
// and publishes a notification naming the touched tables. An empty version
// means the next one.
func (r *MemoryReplica) Apply(version cvr.LexiVersion, changes []RowChange) (cvr.LexiVersion, error) {
	r.mu.Lock()
	if version == "" {
		version = r.nextVersion()
	}
	if _, err := cvr.VersionFromLexi(version); err != nil {
		r.mu.Unlock()
		return "", err
	}
	if version <= r.version {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s is not after %s", errors.ErrInvalidVersion, version, r.version)
	}
	for _, c := range changes {
		if _, ok := r.sources[c.Table]; !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: table %s", errors.ErrNotFound, c.Table)
		}
	}

	var tables []string
	for _, c := range changes {
		src := r.sources[c.Table]
		if old, ok := src.Get(ivm.Row(c.Row)); ok {
			src.Push(ivm.SourceChange{Type: ivm.SourceRemove, Row: old})
		}
		if c.Op == OpPut {
			row := ivm.Row(maps.Clone(c.Row))
			row[VersionColumn] = version
			src.Push(ivm.SourceChange{Type: ivm.SourceAdd, Row: row})
		}
		if !slices.Contains(tables, c.Table) {
			tables = append(tables, c.Table)
		}
	}
	r.version = version
	r.mu.Unlock()

	slices.Sort(tables)
	r.log.Debug("applied replica changes", "version", version, "changes", len(changes))
	if r.broker != nil {
		r.broker.Publish(&broker.Message[Notification]{
			Topic:   Topic,
			Payload: Notification{Version: version, Tables: tables},
		})
	}
	return version, nil
}

// Execute runs a query and returns every row of its result tree along with
// the version it was read at.
func (r *MemoryReplica) Execute(ctx context.Context, q ast.AST) ([]QueryRow, cvr.LexiVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	input, err := ivm.BuildPipeline(q, r.sources)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errors.ErrUnsupportedQuery, err)
	}
	defer input.Destroy()

	var out []QueryRow
	collectRows(input.Fetch(ivm.FetchRequest{}), input.GetSchema(), q, &out)
	return out, r.version, nil
}

func collectRows(s ivm.Stream, schema *ivm.Schema, q ast.AST, out *[]QueryRow) {
	related := make(map[string]ast.AST, len(q.Related))
	for _, rel := range q.Related {
		related[rel.As] = rel.Subquery
	}
	for node := range s {
		*out = append(*out, toQueryRow(node.Row, schema, q))
		for _, name := range slices.Sorted(maps.Keys(node.Relationships)) {
			child, ok := schema.Relationships[name]
			if !ok {
				continue
			}
			collectRows(node.Relationships[name], child, related[name], out)
		}
	}
}

func toQueryRow(row ivm.Row, schema *ivm.Schema, q ast.AST) QueryRow {
	columns := q.Select
	if len(columns) == 0 {
		for col := range row {
			if col != VersionColumn {
				columns = append(columns, col)
			}
		}
	}
	columns = slices.Clone(columns)
	for _, pk := range schema.PrimaryKey {
		if !slices.Contains(columns, pk) {
			columns = append(columns, pk)
		}
	}
	slices.Sort(columns)

	pk := make(map[string]any, len(schema.PrimaryKey))
	for _, col := range schema.PrimaryKey {
		pk[col] = row[col]
	}
	contents := make(map[string]any, len(columns))
	for _, col := range columns {
		contents[col] = row[col]
	}
	version, _ := row[VersionColumn].(string)
	return QueryRow{
		Schema:     schemaOf(q.Schema),
		Table:      schema.TableName,
		PrimaryKey: pk,
		Row:        contents,
		RowVersion: version,
		Columns:    columns,
	}
}
