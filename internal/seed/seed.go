// Package seed inserts the reference catalog every deployment starts with.
// Seeding is idempotent: each row carries a semantic key and conflicting
// inserts are ignored, except that catalog lessons claim their key.
package seed

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
)

//go:embed catalog.json
var catalogJSON []byte

type Lesson struct {
	Grade     int      `json:"grade"`
	Subject   string   `json:"subject"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	TraceWord string   `json:"trace_word,omitempty"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`
	Answer    string   `json:"answer,omitempty"`
}

type Question struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

type Quiz struct {
	Grade     int        `json:"grade"`
	Subject   string     `json:"subject"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

type Badge struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
	Threshold   int    `json:"threshold"`
}

type Bot struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Grade       int    `json:"grade"`
}

// Post is keyed by Key, stored in posts.seed_key. Author is a bot email.
type Post struct {
	Key     string `json:"key"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

type Comment struct {
	Key     string `json:"key"`
	Post    string `json:"post"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

type Like struct {
	Post string `json:"post"`
	User string `json:"user"`
}

type Catalog struct {
	Lessons  []Lesson  `json:"lessons"`
	Quizzes  []Quiz    `json:"quizzes"`
	Badges   []Badge   `json:"badges"`
	Bots     []Bot     `json:"bots"`
	Posts    []Post    `json:"posts"`
	Comments []Comment `json:"comments"`
	Likes    []Like    `json:"likes"`
}

// DefaultCatalog decodes the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(catalogJSON, &c); err != nil {
		return nil, fmt.Errorf("seed: decode catalog: %w", err)
	}
	return &c, nil
}

// Counts is the number of rows inserted or claimed per kind; zero on a reseed.
type Counts struct {
	Lessons  int64 `json:"lessons"`
	Quizzes  int64 `json:"quizzes"`
	Badges   int64 `json:"badges"`
	Bots     int64 `json:"bots"`
	Posts    int64 `json:"posts"`
	Comments int64 `json:"comments"`
	Likes    int64 `json:"likes"`
}

func (c Counts) Total() int64 {
	return c.Lessons + c.Quizzes + c.Badges + c.Bots + c.Posts + c.Comments + c.Likes
}

// ErrUnknownParent is returned when a catalog row points at a bot or post the
// catalog does not define.
var ErrUnknownParent = errors.New("seed: unknown parent")

type Seeder struct {
	db      *sqlx.DB
	hasher  *crypto.Hasher
	logger  *zap.Logger
	catalog *Catalog
}

func New(conn *sqlx.DB, hasher *crypto.Hasher, logger *zap.Logger, catalog *Catalog) *Seeder {
	return &Seeder{db: conn, hasher: hasher, logger: logger.Named("seed"), catalog: catalog}
}

// Run inserts the catalog in one transaction. Parents are resolved by their
// semantic key, so ids assigned by an earlier partial seed are reused.
func (s *Seeder) Run(ctx context.Context) (Counts, error) {
	var counts Counts
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		w := &writer{tx: tx}
		steps := []struct {
			name string
			fn   func(context.Context, *writer) (int64, error)
			dst  *int64
		}{
			{"lessons", s.lessons, &counts.Lessons},
			{"quizzes", s.quizzes, &counts.Quizzes},
			{"badges", s.badges, &counts.Badges},
			{"bots", s.bots, &counts.Bots},
			{"posts", s.posts, &counts.Posts},
			{"comments", s.comments, &counts.Comments},
			{"likes", s.likes, &counts.Likes},
		}
		for _, step := range steps {
			n, err := step.fn(ctx, w)
			if err != nil {
				return fmt.Errorf("seed %s: %w", step.name, err)
			}
			*step.dst = n
		}
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	s.logger.Info("seeded catalog", zap.Any("inserted", counts))
	return counts, nil
}

type writer struct {
	tx *sqlx.Tx
}

// insert runs an insert-ignore and reports whether a row was written.
func (w *writer) insert(ctx context.Context, query string, args ...any) (int64, error) {
	return w.exec(ctx, query+" ON CONFLICT DO NOTHING", args...)
}

func (w *writer) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (w *writer) lookup(ctx context.Context, kind, query, key string) (int64, error) {
	var id int64
	err := w.tx.GetContext(ctx, &id, w.tx.Rebind(query), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s %q", ErrUnknownParent, kind, key)
		}
		return 0, err
	}
	return id, nil
}

func (w *writer) userID(ctx context.Context, email string) (int64, error) {
	return w.lookup(ctx, "user", "SELECT id FROM users WHERE email = ?", strings.ToLower(email))
}

func (w *writer) postID(ctx context.Context, key string) (int64, error) {
	return w.lookup(ctx, "post", "SELECT id FROM posts WHERE seed_key = ?", key)
}

// claimLessonSQL inserts a catalog lesson or takes over a row already holding
// its semantic key: a migrated copy owned by one user, or one without a title.
// Rows already in catalog shape are left alone.
const claimLessonSQL = `INSERT INTO lessons (grade, subject, title, content, trace_word, question, options, answer)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (grade, subject, content) DO UPDATE SET
    user_id = NULL,
    title = excluded.title,
    trace_word = COALESCE(lessons.trace_word, excluded.trace_word),
    question = COALESCE(lessons.question, excluded.question),
    options = COALESCE(lessons.options, excluded.options),
    answer = COALESCE(lessons.answer, excluded.answer)
WHERE lessons.user_id IS NOT NULL OR lessons.title = ''`

func (s *Seeder) lessons(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, l := range s.catalog.Lessons {
		options, err := encodeOptions(l.Options)
		if err != nil {
			return 0, err
		}
		n, err := w.exec(ctx, claimLessonSQL,
			l.Grade, l.Subject, l.Title, l.Content, nullable(l.TraceWord), nullable(l.Question), options, nullable(l.Answer))
		if err != nil {
			return 0, fmt.Errorf("%s/%s: %w", l.Subject, l.Title, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) quizzes(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, q := range s.catalog.Quizzes {
		questions, err := json.Marshal(q.Questions)
		if err != nil {
			return 0, err
		}
		n, err := w.insert(ctx, `INSERT INTO quizzes (grade, subject, title, questions) VALUES (?, ?, ?, ?)`,
			q.Grade, q.Subject, q.Title, string(questions))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", q.Title, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) badges(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, b := range s.catalog.Badges {
		n, err := w.insert(ctx, `INSERT INTO badges (code, name, description, currency, threshold) VALUES (?, ?, ?, ?, ?)`,
			b.Code, b.Name, b.Description, b.Currency, b.Threshold)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", b.Code, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) bots(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, b := range s.catalog.Bots {
		email := strings.ToLower(b.Email)
		// The insert ignores conflicts on its own. The lookup only skips
		// hashing a password for a bot that already exists.
		if _, err := w.userID(ctx, email); err == nil {
			continue
		} else if !errors.Is(err, ErrUnknownParent) {
			return 0, err
		}
		hash, err := s.hasher.RandomHash()
		if err != nil {
			return 0, err
		}
		n, err := w.insert(ctx, `INSERT INTO users (email, password_hash, display_name, grade, is_bot) VALUES (?, ?, ?, ?, TRUE)`,
			email, hash, b.DisplayName, b.Grade)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", email, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) posts(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, p := range s.catalog.Posts {
		author, err := w.userID(ctx, p.Author)
		if err != nil {
			return 0, err
		}
		n, err := w.insert(ctx, `INSERT INTO posts (user_id, content, seed_key) VALUES (?, ?, ?)`, author, p.Content, p.Key)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", p.Key, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) comments(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, c := range s.catalog.Comments {
		post, err := w.postID(ctx, c.Post)
		if err != nil {
			return 0, err
		}
		author, err := w.userID(ctx, c.Author)
		if err != nil {
			return 0, err
		}
		n, err := w.insert(ctx, `INSERT INTO comments (post_id, user_id, content, seed_key) VALUES (?, ?, ?, ?)`,
			post, author, c.Content, c.Key)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", c.Key, err)
		}
		total += n
	}
	return total, nil
}

func (s *Seeder) likes(ctx context.Context, w *writer) (int64, error) {
	var total int64
	for _, l := range s.catalog.Likes {
		post, err := w.postID(ctx, l.Post)
		if err != nil {
			return 0, err
		}
		user, err := w.userID(ctx, l.User)
		if err != nil {
			return 0, err
		}
		n, err := w.insert(ctx, `INSERT INTO likes (post_id, user_id) VALUES (?, ?)`, post, user)
		if err != nil {
			return 0, fmt.Errorf("%s by %s: %w", l.Post, l.User, err)
		}
		total += n
	}
	return total, nil
}

func encodeOptions(options []string) (any, error) {
	if len(options) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
