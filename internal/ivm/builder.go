package ivm

import (
	"fmt"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
)

// SourceProvider resolves table names to sources.
type SourceProvider interface {
	Source(table string) (*MemorySource, bool)
}

// Sources is a SourceProvider over a fixed set of sources.
type Sources map[string]*MemorySource

func (s Sources) Source(table string) (*MemorySource, bool) {
	src, ok := s[table]
	return src, ok
}

// BuildPipeline wires an operator graph for a query: the table's source,
// then the where filter, then the limit window, then one join per related
// subquery. Every stateful operator gets its own MemoryStorage.
func BuildPipeline(q ast.AST, sources SourceProvider) (Input, error) {
	return buildPipeline(q, sources, "")
}

func buildPipeline(q ast.AST, sources SourceProvider, partitionKey string) (Input, error) {
	if len(q.GroupBy) > 0 {
		return nil, fmt.Errorf("group by is not supported by the operator graph")
	}
	src, ok := sources.Source(q.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", q.Table)
	}

	var sort Ordering
	for _, part := range q.OrderBy {
		sort = append(sort, OrderPart{Field: part.Field, Direction: Direction(part.Direction)})
	}
	end := src.Connect(WithPrimaryKey(sort, src.PrimaryKey()))

	if q.Where != nil {
		pred, err := ConditionPredicate(*q.Where)
		if err != nil {
			end.Destroy()
			return nil, err
		}
		end = NewFilter(end, pred)
	}

	if q.Limit != nil {
		end = NewTake(end, NewMemoryStorage(), *q.Limit, partitionKey)
	}

	for _, rel := range q.Related {
		child, err := buildPipeline(rel.Subquery, sources, rel.ChildField)
		if err != nil {
			end.Destroy()
			return nil, fmt.Errorf("related %s: %w", rel.As, err)
		}
		end = NewJoin(JoinArgs{
			Parent:           end,
			Child:            child,
			Storage:          NewMemoryStorage(),
			ParentKey:        rel.ParentField,
			ChildKey:         rel.ChildField,
			RelationshipName: rel.As,
			Hidden:           rel.Hidden,
		})
	}
	return end, nil
}
