// Package ast is the query AST shared by the IVM builder, the CVR and the
// upstream executors. Its normalized form and hash are the query identity
// agreed on by client and server.
package ast

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Direction of an order part.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type OrderPart struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Condition types.
const (
	CondSimple = "simple"
	CondAnd    = "and"
	CondOr     = "or"
	// CondExpr is a CEL expression over `row`.
	CondExpr = "expr"
)

// Condition is a where clause node.
type Condition struct {
	Type       string      `json:"type"`
	Field      string      `json:"field,omitempty"`
	Op         string      `json:"op,omitempty"`
	Value      any         `json:"value,omitempty"`
	Expr       string      `json:"expr,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Related is a correlated subquery materialized as a relationship.
type Related struct {
	As          string `json:"as"`
	ParentField string `json:"parentField"`
	ChildField  string `json:"childField"`
	Hidden      bool   `json:"hidden,omitempty"`
	Subquery    AST    `json:"subquery"`
}

// AST is a query over one table with optional related subqueries.
type AST struct {
	Schema  string      `json:"schema,omitempty"`
	Table   string      `json:"table"`
	Alias   string      `json:"alias,omitempty"`
	Select  []string    `json:"select,omitempty"`
	Where   *Condition  `json:"where,omitempty"`
	Related []Related   `json:"related,omitempty"`
	GroupBy []string    `json:"groupBy,omitempty"`
	OrderBy []OrderPart `json:"orderBy,omitempty"`
	Limit   *int        `json:"limit,omitempty"`
}

// Normalize returns a copy with every order-insensitive list sorted.
// OrderBy is left as is.
func Normalize(a AST) AST {
	out := a
	out.Select = sortedCopy(a.Select)
	out.GroupBy = sortedCopy(a.GroupBy)
	out.OrderBy = slices.Clone(a.OrderBy)
	if a.Limit != nil {
		l := *a.Limit
		out.Limit = &l
	}
	if a.Where != nil {
		w := normalizeCondition(*a.Where)
		out.Where = &w
	}
	if len(a.Related) > 0 {
		out.Related = make([]Related, len(a.Related))
		for i, r := range a.Related {
			r.Subquery = Normalize(r.Subquery)
			out.Related[i] = r
		}
		slices.SortFunc(out.Related, func(x, y Related) int {
			return strings.Compare(canonical(x), canonical(y))
		})
	}
	return out
}

func sortedCopy(s []string) []string {
	if s == nil {
		return nil
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

// normalizeCondition flattens nested conjunctions of the same kind, unwraps
// single-element conjunctions and sorts the rest by canonical form.
func normalizeCondition(c Condition) Condition {
	if c.Type != CondAnd && c.Type != CondOr {
		return c
	}
	var flat []Condition
	for _, sub := range c.Conditions {
		n := normalizeCondition(sub)
		if n.Type == c.Type {
			flat = append(flat, n.Conditions...)
		} else {
			flat = append(flat, n)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	slices.SortFunc(flat, func(x, y Condition) int {
		return strings.Compare(canonical(x), canonical(y))
	})
	return Condition{Type: c.Type, Conditions: flat}
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Hash is the query identity: xxhash64 of the normalized AST's JSON in base 36.
func Hash(a AST) string {
	return strconv.FormatUint(xxhash.Sum64String(canonical(Normalize(a))), 36)
}

// TransformationHash identifies the server-side plan for an AST at a given
// transformation version.
func TransformationHash(a AST, transformationVersion int) string {
	d := xxhash.New()
	d.WriteString(canonical(Normalize(a)))
	d.WriteString(":")
	d.WriteString(strconv.Itoa(transformationVersion))
	return strconv.FormatUint(d.Sum64(), 36)
}

// Tables returns every table the query reads, sorted and deduplicated.
func (a AST) Tables() []string {
	set := map[string]struct{}{}
	var walk func(AST)
	walk = func(q AST) {
		set[q.Table] = struct{}{}
		for _, r := range q.Related {
			walk(r.Subquery)
		}
	}
	walk(a)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
