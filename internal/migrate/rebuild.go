package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/schema"
)

// ShadowName is the deterministic name of the table a rebuild of table fills
// before swapping it in. A leftover shadow is how an interrupted rebuild is
// recognised on the next boot.
func ShadowName(table string) string {
	return "_shadow_" + table
}

// ErrNoConversion means a rebuild would copy a column into an incompatible
// type and no Transform was given for it.
var ErrNoConversion = errors.New("no safe conversion, the rebuild needs a transform")

// Transform computes a target column value from a full row of the old table.
type Transform func(old map[string]any) (any, error)

// Rebuild replaces Table with a table created from its target definition,
// copying data across. It is needed when the live table still has a Legacy
// column or a column whose type is incompatible with the target.
//
// Order: create shadow, copy, transforms, Backfill (on the shadow),
// BeforeDrop (both tables present), drop old, rename shadow, indexes.
type Rebuild struct {
	Table  string
	Legacy []string
	// Renamed maps a target column to the legacy column it is copied from
	// when the target column does not exist yet.
	Renamed map[string]string
	// Transforms are applied row by row, keyed by id, after the copy. Target
	// columns with a transform must have a default or be nullable.
	Transforms map[string]Transform
	// Where restricts which old rows are copied.
	Where      string
	Backfill   func(ctx context.Context, env *Env, shadow string) error
	BeforeDrop func(ctx context.Context, env *Env, shadow string, old db.Columns) error
}

func (r Rebuild) target() schema.Table {
	return schema.MustLookup(r.Table)
}

// Needed reports whether the live columns differ from the target in a way
// only a rebuild can fix.
func (r Rebuild) Needed(old db.Columns) bool {
	if len(old) == 0 {
		return false
	}
	for _, name := range r.Legacy {
		if old.Has(name) {
			return true
		}
	}
	for _, want := range r.target().Columns {
		if got, ok := old.Get(want.Name); ok && !schema.Compatible(want.Type, got.Type) {
			return true
		}
	}
	return false
}

func (r Rebuild) Apply(ctx context.Context, env *Env) error {
	old, err := env.Schema.Columns(ctx, r.Table)
	if err != nil {
		return err
	}
	if !r.Needed(old) {
		return nil
	}

	shadow := ShadowName(r.Table)
	log := env.Logger.With(zap.String("table", r.Table), zap.String("shadow", shadow))
	log.Info("rebuilding table", zap.Strings("columns", old.Names()))

	if leftover, err := env.Schema.TableExists(ctx, shadow); err != nil {
		return err
	} else if leftover {
		log.Warn("dropping leftover shadow table, original is authoritative")
		if _, err := env.exec(ctx, env.Dialect.DropTableSQL(shadow)); err != nil {
			return fmt.Errorf("drop leftover %s: %w", shadow, err)
		}
	}

	if _, err := env.exec(ctx, schema.CreateTableSQL(env.Dialect, r.target(), shadow)); err != nil {
		return fmt.Errorf("create %s: %w", shadow, err)
	}

	if err := r.copyColumns(ctx, env, shadow, old); err != nil {
		return fmt.Errorf("copy into %s: %w", shadow, err)
	}
	if err := r.applyTransforms(ctx, env, shadow); err != nil {
		return err
	}
	if r.Backfill != nil {
		if err := r.Backfill(ctx, env, shadow); err != nil {
			return fmt.Errorf("backfill %s: %w", shadow, err)
		}
	}
	if r.BeforeDrop != nil {
		if err := r.BeforeDrop(ctx, env, shadow, old); err != nil {
			return fmt.Errorf("before dropping %s: %w", r.Table, err)
		}
	}

	if _, err := env.exec(ctx, env.Dialect.DropTableSQL(r.Table)); err != nil {
		return fmt.Errorf("drop %s: %w", r.Table, err)
	}
	return swapIn(ctx, env, r.target(), shadow)
}

// swapIn renames shadow to the target table name and restores what the
// rename does not carry over.
func swapIn(ctx context.Context, env *Env, target schema.Table, shadow string) error {
	if _, err := env.exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, target.Name)); err != nil {
		return fmt.Errorf("rename %s: %w", shadow, err)
	}
	for _, idx := range target.Indexes {
		if _, err := env.exec(ctx, schema.CreateIndexSQL(target.Name, idx)); err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}
	return env.Dialect.AfterRebuild(ctx, env.Tx, target.Name, schema.Dependents(target.Name))
}

// copyColumns copies every target column the old table can supply, falling
// back to the column default (or zero value for NOT NULL columns) for NULLs.
// A column whose type changes is cast; one with no safe cast needs a Transform.
func (r Rebuild) copyColumns(ctx context.Context, env *Env, shadow string, old db.Columns) error {
	var dst, src []string
	for _, c := range r.target().Columns {
		if _, ok := r.Transforms[c.Name]; ok {
			continue
		}
		from := ""
		if old.Has(c.Name) {
			from = c.Name
		} else if legacy, ok := r.Renamed[c.Name]; ok && old.Has(legacy) {
			from = legacy
		}
		if from == "" {
			continue
		}
		oc, _ := old.Get(from)
		expr, ok := env.Dialect.Cast(from, oc.Type, c.Type)
		if !ok {
			return fmt.Errorf("%w: %s.%s is %s (%q), target is %s", ErrNoConversion, r.Table, from, oc.Type, oc.DeclType, c.Type)
		}
		dst = append(dst, c.Name)
		src = append(src, copyExpr(c, expr))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		shadow, strings.Join(dst, ", "), strings.Join(src, ", "), r.Table)
	if r.Where != "" {
		stmt += " WHERE " + r.Where
	}
	_, err := env.exec(ctx, stmt)
	return err
}

func copyExpr(c schema.Column, from string) string {
	switch {
	case c.PrimaryKey || !c.NotNull:
		return from
	case c.Default != "":
		return fmt.Sprintf("COALESCE(%s, %s)", from, c.Default)
	}
	return fmt.Sprintf("COALESCE(%s, %s)", from, zeroLiteral(c.Type))
}

func zeroLiteral(t db.TypeCategory) string {
	switch t {
	case db.TypeInteger, db.TypeReal:
		return "0"
	case db.TypeBoolean:
		return "FALSE"
	case db.TypeTimestamp:
		return "CURRENT_TIMESTAMP"
	}
	return "''"
}

func (r Rebuild) applyTransforms(ctx context.Context, env *Env, shadow string) error {
	if len(r.Transforms) == 0 {
		return nil
	}
	cols := make([]string, 0, len(r.Transforms))
	for name := range r.Transforms {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	// Read everything first; pgx cannot exec while rows are open on the same connection.
	rows, err := env.Tx.QueryxContext(ctx, "SELECT * FROM "+r.Table)
	if err != nil {
		return fmt.Errorf("read %s: %w", r.Table, err)
	}
	var olds []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s: %w", r.Table, err)
		}
		olds = append(olds, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", shadow, strings.Join(sets, ", "))
	for _, old := range olds {
		args := make([]any, 0, len(cols)+1)
		for _, c := range cols {
			v, err := r.Transforms[c](old)
			if err != nil {
				return fmt.Errorf("transform %s.%s for id %v: %w", r.Table, c, old["id"], err)
			}
			args = append(args, v)
		}
		args = append(args, old["id"])
		if _, err := env.exec(ctx, update, args...); err != nil {
			return fmt.Errorf("update %s: %w", shadow, err)
		}
	}
	return nil
}

// resumeRebuilds reconciles shadows left by an interrupted rebuild. With the
// original still present the shadow may be partial and is dropped; without
// it, the copy had finished and the shadow is swapped in.
func resumeRebuilds(ctx context.Context, env *Env) ([]string, error) {
	var resumed []string
	for _, t := range schema.Definitions() {
		shadow := ShadowName(t.Name)
		hasShadow, err := env.Schema.TableExists(ctx, shadow)
		if err != nil {
			return nil, err
		}
		if !hasShadow {
			continue
		}
		hasTable, err := env.Schema.TableExists(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		if hasTable {
			env.Logger.Warn("discarding shadow of interrupted rebuild", zap.String("table", t.Name))
			if _, err := env.exec(ctx, env.Dialect.DropTableSQL(shadow)); err != nil {
				return nil, fmt.Errorf("drop %s: %w", shadow, err)
			}
		} else {
			env.Logger.Warn("completing interrupted rebuild", zap.String("table", t.Name))
			if err := swapIn(ctx, env, t, shadow); err != nil {
				return nil, err
			}
		}
		resumed = append(resumed, t.Name)
	}
	return resumed, nil
}
