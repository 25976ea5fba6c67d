package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/schema"
)

// LegacyBalanceReason marks point events carried over from running totals.
const LegacyBalanceReason = "legacy_balance"

// backfillPointLedger turns users.points, users.star_coins and
// user_points.total into opening-balance events. users columns win over
// user_points for the same user.
func backfillPointLedger(ctx context.Context, env *Env) error {
	cols, err := env.columns(ctx, schema.Users)
	if err != nil {
		return err
	}
	for _, currency := range []string{"points", "star_coins"} {
		if !cols.Has(currency) {
			continue
		}
		n, err := env.exec(ctx, fmt.Sprintf(`INSERT INTO point_events (user_id, currency, delta, reason, ref)
SELECT id, '%[1]s', %[1]s, '%[2]s', 'users.%[1]s' FROM users WHERE %[1]s IS NOT NULL AND %[1]s <> 0
ON CONFLICT DO NOTHING`, currency, LegacyBalanceReason))
		if err != nil {
			return fmt.Errorf("backfill %s: %w", currency, err)
		}
		env.Logger.Info("carried over balances", zap.String("source", "users."+currency), zap.Int64("users", n))
	}

	legacy, err := env.Schema.TableExists(ctx, "user_points")
	if err != nil || !legacy {
		return err
	}
	n, err := env.exec(ctx, `INSERT INTO point_events (user_id, currency, delta, reason, ref)
SELECT up.user_id, 'points', up.total, '`+LegacyBalanceReason+`', 'user_points.total' FROM user_points up
WHERE up.total IS NOT NULL AND up.total <> 0
  AND up.user_id IN (SELECT id FROM users)
  AND NOT EXISTS (
    SELECT 1 FROM point_events pe
    WHERE pe.user_id = up.user_id AND pe.currency = 'points' AND pe.reason = ?
  )
ON CONFLICT DO NOTHING`, LegacyBalanceReason)
	if err != nil {
		return fmt.Errorf("backfill user_points: %w", err)
	}
	env.Logger.Info("carried over balances", zap.String("source", "user_points.total"), zap.Int64("users", n))
	return nil
}

func usersRebuild() Rebuild {
	return Rebuild{
		Table:   schema.Users,
		Legacy:  []string{"password", "username", "points", "star_coins"},
		Renamed: map[string]string{"password_hash": "password"},
		Transforms: map[string]Transform{
			"grade":        gradeTransform,
			"display_name": legacyDisplayName,
		},
		Backfill: func(ctx context.Context, env *Env, shadow string) error {
			if err := lowercaseEmails(shadow).Apply(ctx, env); err != nil {
				return err
			}
			return rehashPlaintext(shadow).Apply(ctx, env)
		},
	}
}

// ErrEmailCollision means two accounts would share an email once emails are
// lower-cased. The accounts have to be merged by hand before migrating.
var ErrEmailCollision = errors.New("accounts share an email ignoring case")

// lowercaseEmails stores every email of table trimmed and lower-cased, the
// form signup and login use.
func lowercaseEmails(table string) OpFunc {
	return func(ctx context.Context, env *Env) error {
		var rows []struct {
			ID    int64          `db:"id"`
			Email sql.NullString `db:"email"`
		}
		if err := sqlx.SelectContext(ctx, env.Tx, &rows, "SELECT id, email FROM "+table+" ORDER BY id"); err != nil {
			return fmt.Errorf("read emails: %w", err)
		}
		owners := map[string][]int64{}
		for _, r := range rows {
			key := normalizeEmail(r.Email.String)
			owners[key] = append(owners[key], r.ID)
		}
		var clashes []string
		for email, ids := range owners {
			if len(ids) > 1 {
				clashes = append(clashes, fmt.Sprintf("%q held by ids %v", email, ids))
			}
		}
		if len(clashes) > 0 {
			sort.Strings(clashes)
			return fmt.Errorf("%w: %s", ErrEmailCollision, strings.Join(clashes, "; "))
		}

		update := "UPDATE " + table + " SET email = ? WHERE id = ?"
		changed := 0
		for _, r := range rows {
			email := normalizeEmail(r.Email.String)
			if r.Email.Valid && email == r.Email.String {
				continue
			}
			if _, err := env.exec(ctx, update, email, r.ID); err != nil {
				return fmt.Errorf("store email for id %d: %w", r.ID, err)
			}
			changed++
		}
		if changed > 0 {
			env.Logger.Info("lower-cased emails", zap.String("table", table), zap.Int("rows", changed))
		}
		return nil
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func gradeTransform(old map[string]any) (any, error) {
	return ParseGrade(old["grade"]), nil
}

// normalizeTextGrades rewrites free-text grades of table in place as digits,
// so rows that only spelled the grade differently share a semantic key.
func normalizeTextGrades(table string) OpFunc {
	return func(ctx context.Context, env *Env) error {
		cols, err := env.Schema.Columns(ctx, table)
		if err != nil {
			return err
		}
		c, ok := cols.Get("grade")
		if !ok || (c.Type != db.TypeText && c.Type != db.TypeUnknown) {
			return nil
		}
		var rows []struct {
			ID    int64 `db:"id"`
			Grade any   `db:"grade"`
		}
		if err := sqlx.SelectContext(ctx, env.Tx, &rows, "SELECT id, grade FROM "+table); err != nil {
			return fmt.Errorf("read grades: %w", err)
		}
		update := "UPDATE " + table + " SET grade = ? WHERE id = ?"
		for _, r := range rows {
			grade := strconv.FormatInt(ParseGrade(r.Grade), 10)
			if text(r.Grade) == grade {
				continue
			}
			if _, err := env.exec(ctx, update, grade, r.ID); err != nil {
				return fmt.Errorf("store grade for id %d: %w", r.ID, err)
			}
		}
		return nil
	}
}

var gradeDigits = regexp.MustCompile(`\d+`)

// ParseGrade reads a grade stored as an integer or as free text such as
// "K", "Grade 2" or "3rd". Kindergarten and anything unreadable are 0.
func ParseGrade(v any) int64 {
	var g int64
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		g = x
	case int32:
		g = int64(x)
	case int:
		g = int64(x)
	case float64:
		g = int64(x)
	default:
		s := strings.ToLower(strings.TrimSpace(text(v)))
		if s == "k" || strings.HasPrefix(s, "kinder") {
			return 0
		}
		m := gradeDigits.FindString(s)
		if m == "" {
			return 0
		}
		g, _ = strconv.ParseInt(m, 10, 64)
	}
	return min(max(g, 0), 12)
}

// legacyDisplayName keeps an existing display name, else the legacy
// username, else the local part of the email.
func legacyDisplayName(old map[string]any) (any, error) {
	for _, key := range []string{"display_name", "username"} {
		if s := strings.TrimSpace(text(old[key])); s != "" {
			return s, nil
		}
	}
	email := text(old["email"])
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i], nil
	}
	return email, nil
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// rehashPlaintext replaces every password_hash of table that is not a
// recognised hash. Empty credentials get a random hash, so the account can
// only be recovered through a reset.
func rehashPlaintext(table string) OpFunc {
	return func(ctx context.Context, env *Env) error {
		var rows []struct {
			ID   int64          `db:"id"`
			Hash sql.NullString `db:"password_hash"`
		}
		if err := sqlx.SelectContext(ctx, env.Tx, &rows, "SELECT id, password_hash FROM "+table); err != nil {
			return fmt.Errorf("read credentials: %w", err)
		}
		update := "UPDATE " + table + " SET password_hash = ? WHERE id = ?"
		rehashed := 0
		for _, r := range rows {
			if crypto.IsRecognizedHash(r.Hash.String) {
				continue
			}
			hash, err := env.Hasher.Hash(r.Hash.String)
			if r.Hash.String == "" || err != nil {
				if err != nil {
					env.Logger.Warn("credential cannot be hashed, replacing with random hash", zap.Int64("id", r.ID), zap.Error(err))
				}
				hash, err = env.Hasher.RandomHash()
			}
			if err != nil {
				return err
			}
			if _, err := env.exec(ctx, update, hash, r.ID); err != nil {
				return fmt.Errorf("store hash for id %d: %w", r.ID, err)
			}
			rehashed++
		}
		if rehashed > 0 {
			env.Logger.Info("rehashed plaintext credentials", zap.String("table", table), zap.Int("rows", rehashed))
		}
		return nil
	}
}

// lessonKeepers maps every lesson id to the lowest id sharing its semantic key.
const lessonKeepers = `SELECT l.id AS old_id, k.keep_id FROM lessons l
JOIN (SELECT grade, subject, content, MIN(id) AS keep_id FROM lessons GROUP BY grade, subject, content) k
  ON l.grade = k.grade AND l.subject = k.subject AND l.content = k.content`

const canonicalLessonIDs = `SELECT MIN(id) FROM lessons GROUP BY grade, subject, content`

func lessonsRebuild() Rebuild {
	return Rebuild{
		Table:      schema.Lessons,
		Legacy:     []string{"completed"},
		Transforms: map[string]Transform{"grade": gradeTransform},
		Where:      "id IN (" + canonicalLessonIDs + ")",
		BeforeDrop: func(ctx context.Context, env *Env, shadow string, old db.Columns) error {
			if c, ok := old.Get("completed"); ok {
				truthy := "l.completed <> 0"
				if c.Type == db.TypeBoolean {
					truthy = "l.completed = TRUE"
				}
				n, err := env.exec(ctx, `INSERT INTO lesson_completions (user_id, lesson_id)
SELECT l.user_id, k.keep_id FROM lessons l JOIN (`+lessonKeepers+`) k ON k.old_id = l.id
WHERE l.user_id IS NOT NULL AND l.user_id IN (SELECT id FROM users) AND `+truthy+`
ON CONFLICT DO NOTHING`)
				if err != nil {
					return fmt.Errorf("split completion flags: %w", err)
				}
				env.Logger.Info("moved completion flags", zap.Int64("completions", n))
			}
			return collapseLessons(ctx, env, shadow)
		},
	}
}

// collapseLessons makes the canonical lesson of each semantic key global when
// its copies had different owners, and moves completions of the copies onto
// it. target is the table holding the canonical rows.
func collapseLessons(ctx context.Context, env *Env, target string) error {
	_, err := env.exec(ctx, `UPDATE `+target+` SET user_id = NULL WHERE id IN (
  SELECT MIN(id) FROM lessons GROUP BY grade, subject, content
  HAVING COUNT(DISTINCT user_id) > 1 OR COUNT(*) > COUNT(user_id)
)`)
	if err != nil {
		return fmt.Errorf("release shared lessons: %w", err)
	}
	_, err = env.exec(ctx, `INSERT INTO lesson_completions (user_id, lesson_id, completed, completed_at)
SELECT lc.user_id, k.keep_id, lc.completed, lc.completed_at
FROM lesson_completions lc JOIN (`+lessonKeepers+`) k ON k.old_id = lc.lesson_id
WHERE k.keep_id <> k.old_id
ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("remap completions: %w", err)
	}
	n, err := env.exec(ctx, `DELETE FROM lesson_completions WHERE lesson_id IN (
  SELECT k.old_id FROM (`+lessonKeepers+`) k WHERE k.keep_id <> k.old_id
)`)
	if err != nil {
		return fmt.Errorf("drop remapped completions: %w", err)
	}
	if n > 0 {
		env.Logger.Info("remapped completions onto canonical lessons", zap.Int64("completions", n))
	}
	return nil
}

// dedupeLessons collapses lessons sharing a semantic key into the lowest id.
func dedupeLessons(ctx context.Context, env *Env) error {
	if err := collapseLessons(ctx, env, schema.Lessons); err != nil {
		return err
	}
	n, err := env.exec(ctx, `DELETE FROM lessons WHERE id NOT IN (`+canonicalLessonIDs+`)`)
	if err != nil {
		return fmt.Errorf("delete duplicate lessons: %w", err)
	}
	if n > 0 {
		env.Logger.Warn("removed duplicate lessons", zap.Int64("rows", n))
	}
	return nil
}
