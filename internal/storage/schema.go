package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Result is the outcome of validating a stored value.
type Result struct {
	Valid       bool
	Diagnostics []string
}

// Schema validates raw values on read.
type Schema interface {
	Validate(raw json.RawMessage) Result
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(raw json.RawMessage) Result

func (f SchemaFunc) Validate(raw json.RawMessage) Result { return f(raw) }

// AnyValue accepts any well formed JSON value.
var AnyValue Schema = SchemaFunc(func(raw json.RawMessage) Result {
	if json.Valid(raw) {
		return Result{Valid: true}
	}
	return Result{Diagnostics: []string{"value is not valid JSON"}}
})

type jsonSchema struct {
	schema *gojsonschema.Schema
}

// JSONSchema compiles a JSON Schema document.
func JSONSchema(src string) (Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &jsonSchema{schema: s}, nil
}

// MustJSONSchema is JSONSchema for package-level schema literals.
func MustJSONSchema(src string) Schema {
	s, err := JSONSchema(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *jsonSchema) Validate(raw json.RawMessage) Result {
	res, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Result{Diagnostics: []string{err.Error()}}
	}
	if res.Valid() {
		return Result{Valid: true}
	}
	diags := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		diags = append(diags, e.String())
	}
	return Result{Diagnostics: diags}
}

// ParseError reports a stored value that does not match its expected schema.
type ParseError struct {
	Key         string
	Diagnostics []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid value at %s: %s", e.Key, strings.Join(e.Diagnostics, "; "))
}

// TypedEntry is a validated and decoded entry.
type TypedEntry[T any] struct {
	Key   string
	Value T
}

// Decode validates raw against schema and unmarshals it into T.
func Decode[T any](key string, raw json.RawMessage, schema Schema) (T, error) {
	var out T
	if res := schema.Validate(raw); !res.Valid {
		return out, &ParseError{Key: key, Diagnostics: res.Diagnostics}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ParseError{Key: key, Diagnostics: []string{err.Error()}}
	}
	return out, nil
}

// GetTyped reads and validates one key.
func GetTyped[T any](ctx context.Context, s Storage, key string, schema Schema) (T, bool, error) {
	var zero T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := Decode[T](key, raw, schema)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// GetEntriesTyped reads and validates several keys.
func GetEntriesTyped[T any](ctx context.Context, s Storage, keys []string, schema Schema) ([]TypedEntry[T], error) {
	entries, err := s.GetEntries(ctx, keys)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](entries, schema)
}

// ListTyped lists and validates entries.
func ListTyped[T any](ctx context.Context, s Storage, opts ListOptions, schema Schema) ([]TypedEntry[T], error) {
	entries, err := s.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](entries, schema)
}

func decodeAll[T any](entries []Entry, schema Schema) ([]TypedEntry[T], error) {
	out := make([]TypedEntry[T], 0, len(entries))
	for _, e := range entries {
		v, err := Decode[T](e.Key, e.Value, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, TypedEntry[T]{Key: e.Key, Value: v})
	}
	return out, nil
}
