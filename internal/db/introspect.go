package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Column is one column as the live catalog reports it.
type Column struct {
	Name     string
	DeclType string
	NotNull  bool
	Type     TypeCategory
}

// Columns is the column set of a table in declaration order. An empty set
// means the table does not exist.
type Columns []Column

func (c Columns) Get(name string) (Column, bool) {
	for _, col := range c {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return Column{}, false
}

func (c Columns) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

func (c Columns) Names() []string {
	names := make([]string, len(c))
	for i, col := range c {
		names[i] = col.Name
	}
	return names
}

// Introspector reads table and column existence from the live catalog. It is
// safe to use before any table exists.
type Introspector struct {
	q Querier
	d Dialect
}

func NewIntrospector(q Querier, d Dialect) *Introspector {
	return &Introspector{q: q, d: d}
}

// Tables lists user tables.
func (i *Introspector) Tables(ctx context.Context) ([]string, error) {
	var names []string
	if err := sqlx.SelectContext(ctx, i.q, &names, i.d.TablesQuery()); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (i *Introspector) TableExists(ctx context.Context, table string) (bool, error) {
	cols, err := i.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	return len(cols) > 0, nil
}

// Columns returns the columns of table, or an empty set when it is absent.
func (i *Introspector) Columns(ctx context.Context, table string) (Columns, error) {
	var rows []struct {
		Name     string `db:"name"`
		DeclType string `db:"type"`
		NotNull  int    `db:"not_null"`
	}
	if err := sqlx.SelectContext(ctx, i.q, &rows, i.q.Rebind(i.d.ColumnsQuery()), table); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	cols := make(Columns, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, Column{
			Name:     r.Name,
			DeclType: r.DeclType,
			NotNull:  r.NotNull != 0,
			Type:     Categorize(r.DeclType),
		})
	}
	return cols, nil
}
