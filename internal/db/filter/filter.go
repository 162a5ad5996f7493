// Package filter implements the list-endpoint filter expression language.
// Expressions are conjunctions of field comparisons, e.g.
//
//	orgId = "ab12" AND finalized = false
//
// and compile to GORM conditions against an explicit field-to-column map, so
// callers control exactly which properties are filterable.
package filter

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"gorm.io/gorm"
)

// Expression is a conjunction of comparisons.
type Expression struct {
	First *Comparison   `parser:"@@"`
	Rest  []*Comparison `parser:"( ('AND' | 'and') @@ )*"`
}

// Comparison is a single field comparison.
type Comparison struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@( '=' | '!' '=' | '<' '=' | '>' '=' | '<' | '>' )"`
	Value *Value `parser:"@@"`
}

// Value is a literal operand.
type Value struct {
	Str   *string  `parser:"@String"`
	Float *float64 `parser:"| @Float"`
	Int   *int64   `parser:"| @Int"`
	Bool  *bool    `parser:"| @('true' | 'false')"`
}

func (v *Value) native() any {
	switch {
	case v.Str != nil:
		return *v.Str
	case v.Float != nil:
		return *v.Float
	case v.Int != nil:
		return *v.Int
	case v.Bool != nil:
		return *v.Bool
	}
	return nil
}

var parser = participle.MustBuild[Expression](
	participle.Unquote("String"),
)

// Parse parses a filter expression.
func Parse(input string) (*Expression, error) {
	expr, err := parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return expr, nil
}

// Apply parses the expression and appends its comparisons as WHERE conditions
// to query. columns maps filterable field names to database columns; a field
// outside the map is an error, never silently ignored.
func Apply(query *gorm.DB, input string, columns map[string]string) (*gorm.DB, error) {
	if input == "" {
		return query, nil
	}
	expr, err := Parse(input)
	if err != nil {
		return nil, err
	}

	comparisons := append([]*Comparison{expr.First}, expr.Rest...)
	for _, c := range comparisons {
		column, ok := columns[c.Field]
		if !ok {
			return nil, fmt.Errorf("unknown filter field: %s", c.Field)
		}
		query = query.Where(fmt.Sprintf("%s %s ?", column, c.Op), c.Value.native())
	}
	return query, nil
}
