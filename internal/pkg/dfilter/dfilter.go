// Package dfilter compiles and evaluates display filter expressions against
// the fields produced by a dissection pass.
//
// Supported syntax:
//   - "field"                     - field is present
//   - "field == value"            - any occurrence compares true (== != < <= > >=, eq ne lt le gt ge)
//   - "field contains value"      - substring match on the string form
//   - "field in {v1 v2 ...}"      - set membership; IP values may be matched against CIDRs
//   - "expr1 and expr2", "expr1 && expr2"
//   - "expr1 or expr2", "expr1 || expr2"
//   - "not expr", "!expr"
//   - Parentheses for grouping: "(expr1 or expr2) and expr3"
package dfilter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSyntax is returned for malformed expressions.
	ErrSyntax = errors.New("filter syntax error")

	// ErrUnknownField is returned by Validate for fields nobody registered.
	ErrUnknownField = errors.New("unknown filter field")
)

// FieldView exposes the fields of one dissected packet.
type FieldView interface {
	// FieldValues returns every value recorded for the field and whether the
	// field is present at all. Presence-only items carry a nil value.
	FieldValues(field string) ([]any, bool)
}

// Filter is a compiled expression. A nil *Filter matches everything.
type Filter struct {
	expr   string
	root   node
	fields []string
}

// Compile parses expr. An empty expression yields a nil filter.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if err := checkBalanced(expr); err != nil {
		return nil, err
	}

	root, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	root.collect(seen)
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return &Filter{expr: expr, root: root, fields: fields}, nil
}

// MustCompile is Compile that panics on error. Intended for constant expressions.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Match evaluates the filter against one packet.
func (f *Filter) Match(v FieldView) bool {
	if f == nil {
		return true
	}
	return f.root.match(v)
}

// Fields lists every field the expression references, sorted.
func (f *Filter) Fields() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.fields))
	copy(out, f.fields)
	return out
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Validate checks that every referenced field is known.
func (f *Filter) Validate(known func(field string) bool) error {
	if f == nil {
		return nil
	}
	for _, name := range f.fields {
		if !known(name) {
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	return nil
}

func syntaxErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}
