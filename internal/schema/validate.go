package schema

import (
	"context"
	"errors"
	"fmt"

	"brightsteps/internal/db"
)

// MissingTableError reports a required table that does not exist.
type MissingTableError struct {
	Table string
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("schema: required table %q is missing", e.Table)
}

// MissingColumnError reports a required column that does not exist.
type MissingColumnError struct {
	Table  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("schema: required column %s.%s is missing", e.Table, e.Column)
}

// ColumnTypeError reports a column whose type category is not the expected one.
type ColumnTypeError struct {
	Table    string
	Column   string
	Want     db.TypeCategory
	Got      db.TypeCategory
	DeclType string
}

func (e *ColumnTypeError) Error() string {
	return fmt.Sprintf("schema: column %s.%s is %s (%q), expected %s", e.Table, e.Column, e.Got, e.DeclType, e.Want)
}

// Compatible reports whether a live column of category got can hold values of
// category want. SQLite stores booleans as integers.
func Compatible(want, got db.TypeCategory) bool {
	switch {
	case want == db.TypeAny, want == got:
		return true
	case want == db.TypeBoolean && got == db.TypeInteger:
		return true
	}
	return false
}

type ColumnRequirement struct {
	Name string
	Type db.TypeCategory
}

type TableRequirement struct {
	Table   string
	Columns []ColumnRequirement
}

// DefaultRequirements requires every definition table and extra, every users
// column with its type, and the presence of all other definition columns.
func DefaultRequirements(extra ...string) []TableRequirement {
	var reqs []TableRequirement
	for _, t := range definitions {
		req := TableRequirement{Table: t.Name}
		for _, c := range t.Columns {
			cr := ColumnRequirement{Name: c.Name}
			if t.Name == Users {
				cr.Type = c.Type
			}
			req.Columns = append(req.Columns, cr)
		}
		reqs = append(reqs, req)
	}
	for _, name := range extra {
		reqs = append(reqs, TableRequirement{Table: name})
	}
	return reqs
}

// Validator is the fail-fast gate run after migration and seeding.
type Validator struct {
	in   *db.Introspector
	reqs []TableRequirement
}

func NewValidator(in *db.Introspector, reqs []TableRequirement) *Validator {
	return &Validator{in: in, reqs: reqs}
}

// Validate returns every problem found, joined. Individual problems can be
// inspected with errors.As.
func (v *Validator) Validate(ctx context.Context) error {
	var errs []error
	for _, req := range v.reqs {
		cols, err := v.in.Columns(ctx, req.Table)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			errs = append(errs, &MissingTableError{Table: req.Table})
			continue
		}
		for _, want := range req.Columns {
			got, ok := cols.Get(want.Name)
			if !ok {
				errs = append(errs, &MissingColumnError{Table: req.Table, Column: want.Name})
				continue
			}
			if !Compatible(want.Type, got.Type) {
				errs = append(errs, &ColumnTypeError{
					Table:    req.Table,
					Column:   want.Name,
					Want:     want.Type,
					Got:      got.Type,
					DeclType: got.DeclType,
				})
			}
		}
	}
	return errors.Join(errs...)
}
