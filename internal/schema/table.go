// Package schema holds the target schema of every logical entity and the
// post-migration validator that asserts a store matches it.
package schema

import (
	"fmt"
	"strings"

	"brightsteps/internal/db"
)

// Column is a target column definition. Default is a constant SQL literal
// understood by every supported store.
type Column struct {
	Name       string
	Type       db.TypeCategory
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	Default    string
	References *Reference
}

// Reference points a column at another table's id.
type Reference struct {
	Table    string
	Column   string
	OnDelete string
}

// Index is created after the table, so it is also recreated after a rebuild.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

type Table struct {
	Name    string
	Columns []Column
	// Uniques are composite UNIQUE table constraints.
	Uniques [][]string
	Indexes []Index
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ForeignKeys lists the references declared by t.
func (t Table) ForeignKeys() []db.ForeignKey {
	var fks []db.ForeignKey
	for _, c := range t.Columns {
		if c.References == nil {
			continue
		}
		ref := c.References.Column
		if ref == "" {
			ref = "id"
		}
		fks = append(fks, db.ForeignKey{
			Table:     t.Name,
			Column:    c.Name,
			RefTable:  c.References.Table,
			RefColumn: ref,
			OnDelete:  c.References.OnDelete,
		})
	}
	return fks
}

// ColumnSQL renders a single column definition, as used by CREATE TABLE and
// ALTER TABLE ADD COLUMN.
func ColumnSQL(d db.Dialect, c Column) string {
	if c.PrimaryKey {
		return c.Name + " " + d.PrimaryKey()
	}
	parts := []string{c.Name, d.ColumnType(c.Type)}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Unique {
		parts = append(parts, "UNIQUE")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	return strings.Join(parts, " ")
}

// CreateTableSQL renders t under the physical name, which differs from t.Name
// for shadow tables.
func CreateTableSQL(d db.Dialect, t Table, name string) string {
	var lines []string
	for _, c := range t.Columns {
		lines = append(lines, "    "+ColumnSQL(d, c))
	}
	for _, u := range t.Uniques {
		lines = append(lines, "    UNIQUE ("+strings.Join(u, ", ")+")")
	}
	for _, fk := range t.ForeignKeys() {
		lines = append(lines, "    "+fk.Clause())
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", name, strings.Join(lines, ",\n"))
}

// CreateIndexSQL renders idx on table.
func CreateIndexSQL(table string, idx Index) string {
	kind := "INDEX"
	if idx.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, idx.Name, table, strings.Join(idx.Columns, ", "))
}
