package ivm

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

// Predicate decides whether a row passes a Filter.
type Predicate func(row Row) bool

// Filter forwards only rows that satisfy its predicate.
type Filter struct {
	input     Input
	predicate Predicate
	output    Output
}

func NewFilter(input Input, predicate Predicate) *Filter {
	f := &Filter{input: input, predicate: predicate}
	input.SetOutput(f)
	return f
}

func (f *Filter) GetSchema() *Schema { return f.input.GetSchema() }

func (f *Filter) SetOutput(output Output) { f.output = output }

func (f *Filter) Destroy() { f.input.Destroy() }

func (f *Filter) Fetch(req FetchRequest) Stream { return f.filter(f.input.Fetch(req)) }

func (f *Filter) Cleanup(req FetchRequest) Stream { return f.filter(f.input.Cleanup(req)) }

func (f *Filter) filter(s Stream) Stream {
	return func(yield func(Node) bool) {
		for n := range s {
			if f.predicate(n.Row) && !yield(n) {
				return
			}
		}
	}
}

func (f *Filter) Push(change Change) {
	if f.output == nil {
		panic("Output not set")
	}
	if f.predicate(RowForChange(change)) {
		metrics.IncPush("filter")
		f.output.Push(change)
	}
}

// celEnv is shared by every CEL predicate; programs are cached by source.
var (
	celOnce     sync.Once
	celEnv      *cel.Env
	celEnvErr   error
	celPrograms sync.Map // map[string]cel.Program
)

// NewCELPredicate compiles a boolean CEL expression over the variable `row`.
func NewCELPredicate(expr string) (Predicate, error) {
	celOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	if celEnvErr != nil {
		return nil, celEnvErr
	}

	var prg cel.Program
	if cached, ok := celPrograms.Load(expr); ok {
		prg = cached.(cel.Program)
	} else {
		checked, issues := celEnv.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile error: %w", issues.Err())
		}
		p, err := celEnv.Program(checked)
		if err != nil {
			return nil, fmt.Errorf("program construction error: %w", err)
		}
		prg = p
		celPrograms.Store(expr, prg)
	}

	return func(row Row) bool {
		out, _, err := prg.Eval(map[string]any{"row": map[string]any(row)})
		if err != nil {
			// Missing columns and type errors exclude the row.
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// ConditionPredicate builds a predicate from a query AST condition.
func ConditionPredicate(c ast.Condition) (Predicate, error) {
	switch c.Type {
	case ast.CondAnd, ast.CondOr:
		subs := make([]Predicate, len(c.Conditions))
		for i, sub := range c.Conditions {
			p, err := ConditionPredicate(sub)
			if err != nil {
				return nil, err
			}
			subs[i] = p
		}
		if c.Type == ast.CondAnd {
			return func(row Row) bool {
				for _, p := range subs {
					if !p(row) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(row Row) bool {
			for _, p := range subs {
				if p(row) {
					return true
				}
			}
			return false
		}, nil
	case ast.CondExpr:
		return NewCELPredicate(c.Expr)
	case ast.CondSimple:
		return simplePredicate(c)
	}
	return nil, fmt.Errorf("unknown condition type %q", c.Type)
}

func simplePredicate(c ast.Condition) (Predicate, error) {
	field, value := c.Field, c.Value
	switch strings.ToUpper(c.Op) {
	case "=":
		return func(r Row) bool { return looseEqual(r[field], value) }, nil
	case "!=":
		return func(r Row) bool {
			cmp, ok := tryCompare(r[field], value)
			return ok && cmp != 0
		}, nil
	case "<":
		return ordered(field, value, func(c int) bool { return c < 0 }), nil
	case "<=":
		return ordered(field, value, func(c int) bool { return c <= 0 }), nil
	case ">":
		return ordered(field, value, func(c int) bool { return c > 0 }), nil
	case ">=":
		return ordered(field, value, func(c int) bool { return c >= 0 }), nil
	case "IS":
		return func(r Row) bool { return isSame(r[field], value) }, nil
	case "IS NOT":
		return func(r Row) bool { return !isSame(r[field], value) }, nil
	case "IN", "NOT IN":
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s requires a list value", c.Op)
		}
		negate := strings.EqualFold(c.Op, "NOT IN")
		return func(r Row) bool {
			v := r[field]
			if v == nil {
				return false
			}
			for _, item := range list {
				if looseEqual(v, item) {
					return !negate
				}
			}
			return negate
		}, nil
	case "LIKE", "ILIKE":
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string pattern", c.Op)
		}
		re, err := likeRegexp(pattern, strings.EqualFold(c.Op, "ILIKE"))
		if err != nil {
			return nil, err
		}
		return func(r Row) bool {
			s, ok := r[field].(string)
			return ok && re.MatchString(s)
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", c.Op)
}

func ordered(field string, value Value, accept func(int) bool) Predicate {
	return func(r Row) bool {
		cmp, ok := tryCompare(r[field], value)
		return ok && accept(cmp)
	}
}

func isSame(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return looseEqual(a, b)
}

// looseEqual is ValuesEqual where values of unlike kinds are unequal.
func looseEqual(a, b Value) bool {
	cmp, ok := tryCompare(a, b)
	return ok && cmp == 0
}

// tryCompare is CompareValues that reports unlike kinds and nulls instead of
// panicking.
func tryCompare(a, b Value) (cmp int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	defer func() {
		if recover() != nil {
			cmp, ok = 0, false
		}
	}()
	return CompareValues(a, b), true
}

func likeRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile("(?s)" + b.String())
}
