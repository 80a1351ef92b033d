package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
)

const (
	stateVersionQuery = `SELECT state_version FROM _bunsync.replication_state LIMIT 1`
	primaryKeyQuery   = `SELECT a.attname FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY a.attname`
)

// PGReplica runs single-table queries against a Postgres replica. Related
// subqueries and grouping are not supported.
type PGReplica struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu          sync.Mutex
	primaryKeys map[string][]string
}

// NewPGReplica connects to dsn and checks the connection.
func NewPGReplica(ctx context.Context, log *slog.Logger, dsn string) (*PGReplica, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}
	return &PGReplica{pool: pool, log: log, primaryKeys: map[string][]string{}}, nil
}

func (r *PGReplica) Close() { r.pool.Close() }

// Version reads the replica's current state version.
func (r *PGReplica) Version(ctx context.Context) (cvr.LexiVersion, error) {
	var v string
	if err := r.pool.QueryRow(ctx, stateVersionQuery).Scan(&v); err != nil {
		return "", fmt.Errorf("read state version: %w", err)
	}
	if _, err := cvr.VersionFromLexi(v); err != nil {
		return "", err
	}
	return v, nil
}

func (r *PGReplica) primaryKey(ctx context.Context, schema, table string) ([]string, error) {
	name := pgx.Identifier{schema, table}.Sanitize()
	r.mu.Lock()
	pk, ok := r.primaryKeys[name]
	r.mu.Unlock()
	if ok {
		return pk, nil
	}
	rows, err := r.pool.Query(ctx, primaryKeyQuery, name)
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", name, err)
	}
	pk, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", name, err)
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("%w: %s has no primary key", errors.ErrUnsupportedQuery, name)
	}
	r.mu.Lock()
	r.primaryKeys[name] = pk
	r.mu.Unlock()
	return pk, nil
}

// Execute runs q as one parameterized SELECT in a read-only repeatable read
// transaction, so the rows match the state version read with them.
func (r *PGReplica) Execute(ctx context.Context, q ast.AST) ([]QueryRow, cvr.LexiVersion, error) {
	if len(q.Related) > 0 || len(q.GroupBy) > 0 {
		return nil, "", fmt.Errorf("%w: related and grouped queries need the memory replica", errors.ErrUnsupportedQuery)
	}
	schema := schemaOf(q.Schema)
	pk, err := r.primaryKey(ctx, schema, q.Table)
	if err != nil {
		return nil, "", err
	}
	sql, args, err := BuildSelect(q, pk)
	if err != nil {
		return nil, "", err
	}
	r.log.Debug("executing query", "sql", sql, "args", len(args))

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, "", fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	var version string
	if err := tx.QueryRow(ctx, stateVersionQuery).Scan(&version); err != nil {
		return nil, "", fmt.Errorf("read state version: %w", err)
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, "", fmt.Errorf("execute %s: %w", q.Table, err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, "", fmt.Errorf("execute %s: %w", q.Table, err)
	}

	out := make([]QueryRow, 0, len(results))
	for _, row := range results {
		rowVersion, _ := row[VersionColumn].(string)
		delete(row, VersionColumn)
		keys := make(map[string]any, len(pk))
		for _, col := range pk {
			keys[col] = row[col]
		}
		columns := make([]string, 0, len(row))
		for col := range row {
			columns = append(columns, col)
		}
		slices.Sort(columns)
		out = append(out, QueryRow{
			Schema:     schema,
			Table:      q.Table,
			PrimaryKey: keys,
			Row:        row,
			RowVersion: rowVersion,
			Columns:    columns,
		})
	}
	return out, version, nil
}

// BuildSelect renders q as SQL with positional arguments. Selected columns
// always include the primary key and the version column.
func BuildSelect(q ast.AST, primaryKey []string) (string, []any, error) {
	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	if len(q.Select) == 0 {
		b.WriteString("*")
	} else {
		cols := slices.Clone(q.Select)
		for _, col := range primaryKey {
			if !slices.Contains(cols, col) {
				cols = append(cols, col)
			}
		}
		cols = append(cols, VersionColumn)
		for i, col := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgx.Identifier{col}.Sanitize())
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(pgx.Identifier{schemaOf(q.Schema), q.Table}.Sanitize())

	if q.Where != nil {
		cond, err := writeCondition(*q.Where, &args)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(cond)
	}

	order := slices.Clone(q.OrderBy)
	for _, col := range primaryKey {
		if !slices.ContainsFunc(order, func(p ast.OrderPart) bool { return p.Field == col }) {
			order = append(order, ast.OrderPart{Field: col, Direction: ast.Asc})
		}
	}
	b.WriteString(" ORDER BY ")
	for i, part := range order {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{part.Field}.Sanitize())
		if part.Direction == ast.Desc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}

	if q.Limit != nil {
		args = append(args, *q.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args, nil
}

func writeCondition(c ast.Condition, args *[]any) (string, error) {
	switch c.Type {
	case ast.CondAnd, ast.CondOr:
		if len(c.Conditions) == 0 {
			if c.Type == ast.CondAnd {
				return "TRUE", nil
			}
			return "FALSE", nil
		}
		parts := make([]string, len(c.Conditions))
		for i, sub := range c.Conditions {
			s, err := writeCondition(sub, args)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		sep := " AND "
		if c.Type == ast.CondOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case ast.CondSimple:
		return writeSimple(c, args)
	default:
		return "", fmt.Errorf("%w: %s condition", errors.ErrUnsupportedQuery, c.Type)
	}
}

func writeSimple(c ast.Condition, args *[]any) (string, error) {
	field := pgx.Identifier{c.Field}.Sanitize()
	placeholder := func(v any) string {
		*args = append(*args, v)
		return "$" + strconv.Itoa(len(*args))
	}
	switch op := strings.ToUpper(c.Op); op {
	case "=", "!=", "<", "<=", ">", ">=", "LIKE", "ILIKE":
		if op == "!=" {
			op = "<>"
		}
		return field + " " + op + " " + placeholder(c.Value), nil
	case "IS", "IS NOT":
		if c.Value == nil {
			return field + " " + op + " NULL", nil
		}
		if op == "IS" {
			return field + " IS NOT DISTINCT FROM " + placeholder(c.Value), nil
		}
		return field + " IS DISTINCT FROM " + placeholder(c.Value), nil
	case "IN":
		return field + " = ANY(" + placeholder(c.Value) + ")", nil
	case "NOT IN":
		return "NOT (" + field + " = ANY(" + placeholder(c.Value) + "))", nil
	default:
		return "", fmt.Errorf("%w: operator %s", errors.ErrUnsupportedQuery, c.Op)
	}
}
