package schema

import "brightsteps/internal/db"

const (
	Users             = "users"
	Lessons           = "lessons"
	LessonCompletions = "lesson_completions"
	Quizzes           = "quizzes"
	QuizResults       = "quiz_results"
	Posts             = "posts"
	Comments          = "comments"
	Likes             = "likes"
	Reposts           = "reposts"
	PointEvents       = "point_events"
	Badges            = "badges"
	UserBadges        = "user_badges"
)

func id() Column {
	return Column{Name: "id", Type: db.TypeInteger, PrimaryKey: true}
}

func createdAt(name string) Column {
	return Column{Name: name, Type: db.TypeTimestamp, NotNull: true, Default: "CURRENT_TIMESTAMP"}
}

func owner(name, table, onDelete string) Column {
	return Column{Name: name, Type: db.TypeInteger, NotNull: true, References: &Reference{Table: table, OnDelete: onDelete}}
}

var definitions = []Table{
	{
		Name: Users,
		Columns: []Column{
			id(),
			{Name: "email", Type: db.TypeText, NotNull: true, Unique: true},
			{Name: "password_hash", Type: db.TypeText, NotNull: true},
			{Name: "display_name", Type: db.TypeText, NotNull: true, Default: "''"},
			{Name: "grade", Type: db.TypeInteger, NotNull: true, Default: "0"},
			{Name: "theme", Type: db.TypeText, NotNull: true, Default: "'light'"},
			{Name: "language", Type: db.TypeText, NotNull: true, Default: "'en'"},
			{Name: "is_subscribed", Type: db.TypeBoolean, NotNull: true, Default: "FALSE"},
			{Name: "is_bot", Type: db.TypeBoolean, NotNull: true, Default: "FALSE"},
			{Name: "is_admin", Type: db.TypeBoolean, NotNull: true, Default: "FALSE"},
			createdAt("created_at"),
		},
	},
	{
		Name: Lessons,
		Columns: []Column{
			id(),
			{Name: "grade", Type: db.TypeInteger, NotNull: true, Default: "0"},
			{Name: "subject", Type: db.TypeText, NotNull: true},
			{Name: "title", Type: db.TypeText, NotNull: true, Default: "''"},
			{Name: "content", Type: db.TypeText, NotNull: true},
			{Name: "user_id", Type: db.TypeInteger, References: &Reference{Table: Users, OnDelete: "CASCADE"}},
			{Name: "trace_word", Type: db.TypeText},
			{Name: "question", Type: db.TypeText},
			{Name: "options", Type: db.TypeText},
			{Name: "answer", Type: db.TypeText},
			createdAt("created_at"),
		},
		Indexes: []Index{
			{Name: "ux_lessons_semantic_key", Columns: []string{"grade", "subject", "content"}, Unique: true},
			{Name: "ix_lessons_user_id", Columns: []string{"user_id"}},
		},
	},
	{
		Name: LessonCompletions,
		Columns: []Column{
			id(),
			owner("user_id", Users, "CASCADE"),
			owner("lesson_id", Lessons, "CASCADE"),
			{Name: "completed", Type: db.TypeBoolean, NotNull: true, Default: "TRUE"},
			createdAt("completed_at"),
		},
		Uniques: [][]string{{"user_id", "lesson_id"}},
	},
	{
		Name: Quizzes,
		Columns: []Column{
			id(),
			{Name: "grade", Type: db.TypeInteger, NotNull: true, Default: "0"},
			{Name: "subject", Type: db.TypeText, NotNull: true},
			{Name: "title", Type: db.TypeText, NotNull: true},
			{Name: "questions", Type: db.TypeText, NotNull: true, Default: "'[]'"},
			createdAt("created_at"),
		},
		Uniques: [][]string{{"grade", "subject", "title"}},
	},
	{
		Name: QuizResults,
		Columns: []Column{
			id(),
			owner("user_id", Users, "CASCADE"),
			owner("quiz_id", Quizzes, "CASCADE"),
			{Name: "score", Type: db.TypeInteger, NotNull: true, Default: "0"},
			{Name: "total", Type: db.TypeInteger, NotNull: true, Default: "0"},
			createdAt("taken_at"),
		},
		Indexes: []Index{{Name: "ix_quiz_results_user_id", Columns: []string{"user_id"}}},
	},
	{
		Name: Posts,
		Columns: []Column{
			id(),
			owner("user_id", Users, "CASCADE"),
			{Name: "content", Type: db.TypeText, NotNull: true},
			{Name: "seed_key", Type: db.TypeText},
			createdAt("created_at"),
		},
		Indexes: []Index{{Name: "ux_posts_seed_key", Columns: []string{"seed_key"}, Unique: true}},
	},
	{
		Name: Comments,
		Columns: []Column{
			id(),
			owner("post_id", Posts, "CASCADE"),
			owner("user_id", Users, "CASCADE"),
			{Name: "content", Type: db.TypeText, NotNull: true},
			{Name: "seed_key", Type: db.TypeText},
			createdAt("created_at"),
		},
		Indexes: []Index{
			{Name: "ux_comments_seed_key", Columns: []string{"seed_key"}, Unique: true},
			{Name: "ix_comments_post_id", Columns: []string{"post_id"}},
		},
	},
	{
		Name: Likes,
		Columns: []Column{
			id(),
			owner("post_id", Posts, "CASCADE"),
			owner("user_id", Users, "CASCADE"),
			createdAt("created_at"),
		},
		Uniques: [][]string{{"post_id", "user_id"}},
	},
	{
		Name: Reposts,
		Columns: []Column{
			id(),
			owner("post_id", Posts, "CASCADE"),
			owner("user_id", Users, "CASCADE"),
			createdAt("created_at"),
		},
		Uniques: [][]string{{"post_id", "user_id"}},
	},
	{
		Name: PointEvents,
		Columns: []Column{
			id(),
			owner("user_id", Users, "CASCADE"),
			{Name: "currency", Type: db.TypeText, NotNull: true, Default: "'points'"},
			{Name: "delta", Type: db.TypeInteger, NotNull: true},
			{Name: "reason", Type: db.TypeText, NotNull: true},
			{Name: "ref", Type: db.TypeText},
			createdAt("created_at"),
		},
		Indexes: []Index{
			{Name: "ux_point_events_award", Columns: []string{"user_id", "currency", "reason", "ref"}, Unique: true},
		},
	},
	{
		Name: Badges,
		Columns: []Column{
			id(),
			{Name: "code", Type: db.TypeText, NotNull: true, Unique: true},
			{Name: "name", Type: db.TypeText, NotNull: true},
			{Name: "description", Type: db.TypeText, NotNull: true, Default: "''"},
			{Name: "currency", Type: db.TypeText, NotNull: true, Default: "'points'"},
			{Name: "threshold", Type: db.TypeInteger, NotNull: true, Default: "0"},
		},
	},
	{
		Name: UserBadges,
		Columns: []Column{
			id(),
			owner("user_id", Users, "CASCADE"),
			{Name: "badge_code", Type: db.TypeText, NotNull: true},
			createdAt("awarded_at"),
		},
		Indexes: []Index{
			{Name: "ux_user_badges_user_badge", Columns: []string{"user_id", "badge_code"}, Unique: true},
		},
	},
}

// Definitions returns the target schema, parents before children.
func Definitions() []Table {
	out := make([]Table, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the target definition of a table.
func Lookup(name string) (Table, bool) {
	for _, t := range definitions {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) Table {
	t, ok := Lookup(name)
	if !ok {
		panic("schema: unknown table " + name)
	}
	return t
}

// Dependents lists the references other tables hold to table.
func Dependents(table string) []db.ForeignKey {
	var out []db.ForeignKey
	for _, t := range definitions {
		for _, fk := range t.ForeignKeys() {
			if fk.RefTable == table && t.Name != table {
				out = append(out, fk)
			}
		}
	}
	return out
}
