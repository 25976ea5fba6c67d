package migrate

import (
	"fmt"

	"brightsteps/internal/schema"
)

// History is the ordered list of every migration. Ids are recorded in the
// ledger and must never be renamed or reordered; new steps go at the end.
func History() []Step {
	return []Step{
		{
			ID:          "0001_rename_legacy_tables",
			Description: "rename achievements to user_badges",
			Ops:         []Op{RenameTable{From: "achievements", To: schema.UserBadges}},
		},
		{
			ID:          "0002_create_missing_tables",
			Description: "create every table absent from the store",
			Ops:         []Op{CreateTables{}},
		},
		{
			ID:          "0003_users_rename_password",
			Description: "rename users.password to password_hash",
			Ops:         []Op{RenameColumn{Table: schema.Users, From: "password", To: "password_hash"}},
		},
		{
			ID:          "0004_users_add_profile_columns",
			Description: "add profile, preference and role columns to users",
			Ops: addColumns(schema.Users,
				"display_name", "grade", "theme", "language",
				"is_subscribed", "is_bot", "is_admin", "created_at",
			),
		},
		{
			ID:          "0005_points_ledger_backfill",
			Description: "carry legacy running totals into point_events as opening balances",
			Ops:         []Op{OpFunc(backfillPointLedger)},
		},
		{
			ID:          "0006_users_rebuild",
			Description: "drop legacy users columns and convert grade to an integer",
			Ops:         []Op{usersRebuild()},
		},
		{
			ID:          "0007_users_rehash_plaintext",
			Description: "replace plaintext credentials with password hashes",
			Ops:         []Op{rehashPlaintext(schema.Users)},
		},
		{
			ID:          "0008_lessons_add_activity_columns",
			Description: "add title, owner and activity columns to lessons",
			Ops: addColumns(schema.Lessons,
				"title", "user_id", "trace_word", "question", "options", "answer", "created_at",
			),
		},
		{
			ID:          "0009_lessons_split_completion",
			Description: "move per-row completion flags into lesson_completions",
			Ops:         []Op{normalizeTextGrades(schema.Lessons), lessonsRebuild()},
		},
		{
			ID:          "0010_lessons_semantic_key",
			Description: "collapse duplicate lessons and enforce the semantic key",
			Ops: []Op{
				OpFunc(dedupeLessons),
				CreateIndex{Table: schema.Lessons, Index: index(schema.Lessons, "ux_lessons_semantic_key")},
				CreateIndex{Table: schema.Lessons, Index: index(schema.Lessons, "ix_lessons_user_id")},
			},
		},
		{
			ID:          "0011_user_badges_columns",
			Description: "rename legacy achievement columns",
			Ops: append([]Op{
				RenameColumn{Table: schema.UserBadges, From: "badge", To: "badge_code"},
				RenameColumn{Table: schema.UserBadges, From: "earned_at", To: "awarded_at"},
			}, addColumns(schema.UserBadges, "awarded_at")...),
		},
		{
			ID:          "0012_user_badges_unique",
			Description: "award each badge at most once per user",
			Ops: []Op{
				CreateIndex{Table: schema.UserBadges, Index: index(schema.UserBadges, "ux_user_badges_user_badge"), Dedupe: true},
			},
		},
		{
			ID:          "0013_social_seed_keys",
			Description: "add seed keys to posts and comments",
			Ops: append(append(addColumns(schema.Posts, "seed_key"), addColumns(schema.Comments, "seed_key")...),
				CreateIndex{Table: schema.Posts, Index: index(schema.Posts, "ux_posts_seed_key")},
				CreateIndex{Table: schema.Comments, Index: index(schema.Comments, "ux_comments_seed_key")},
				CreateIndex{Table: schema.Comments, Index: index(schema.Comments, "ix_comments_post_id")},
			),
		},
		{
			ID:          "0014_users_lowercase_email",
			Description: "store emails lower-cased, refusing accounts that would collide",
			Ops:         []Op{lowercaseEmails(schema.Users)},
		},
	}
}

// addColumns adds definition columns to a live table. A column whose default
// is not a constant, or that is NOT NULL without a default, is added nullable
// and backfilled; a later rebuild tightens it.
func addColumns(table string, names ...string) []Op {
	t := schema.MustLookup(table)
	ops := make([]Op, 0, len(names))
	for _, name := range names {
		c, ok := t.Column(name)
		if !ok {
			panic(fmt.Sprintf("migrate: %s has no column %s", table, name))
		}
		op := AddColumn{Table: table, Column: c}
		op.Column.Unique = false
		switch {
		case c.Default == "CURRENT_TIMESTAMP":
			op.Column.NotNull = false
			op.Column.Default = ""
			op.Backfill = "CURRENT_TIMESTAMP"
		case c.NotNull && c.Default == "":
			op.Column.NotNull = false
		}
		ops = append(ops, op)
	}
	return ops
}

func index(table, name string) schema.Index {
	for _, idx := range schema.MustLookup(table).Indexes {
		if idx.Name == name {
			return idx
		}
	}
	panic(fmt.Sprintf("migrate: %s has no index %s", table, name))
}
