package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/migrate"
	"brightsteps/internal/schema"
)

type AdminHandler struct {
	db      *sqlx.DB
	dialect db.Dialect
	logger  *zap.Logger
}

func NewAdminHandler(conn *sqlx.DB, d db.Dialect, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: conn, dialect: d, logger: logger}
}

type adminOverview struct {
	TotalUsers        int   `db:"total_users" json:"total_users"`
	TotalBots         int   `db:"total_bots" json:"total_bots"`
	TotalLessons      int   `db:"total_lessons" json:"total_lessons"`
	LessonCompletions int   `db:"lesson_completions" json:"lesson_completions"`
	QuizResults       int   `db:"quiz_results" json:"quiz_results"`
	Posts             int   `db:"posts" json:"posts"`
	PointsIssued      int64 `db:"points_issued" json:"points_issued"`
	StarCoinsIssued   int64 `db:"star_coins_issued" json:"star_coins_issued"`
}

// mustBeAdmin checks the current user is admin
func (h *AdminHandler) mustBeAdmin(r *http.Request) (bool, error) {
	var isAdmin bool
	err := h.db.QueryRowxContext(r.Context(), h.db.Rebind(`SELECT is_admin FROM users WHERE id = ?`), currentUser(r)).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return isAdmin, err
}

// RequireAdmin rejects non-admin users; it must run after authentication.
func (h *AdminHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := h.mustBeAdmin(r)
		if err != nil {
			h.logger.Error("check admin", zap.Error(err))
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Overview godoc
// @Summary Get admin overview
// @Description Returns platform totals (admin only)
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} adminOverview
// @Failure 403 {string} string "Forbidden"
// @Failure 500 {string} string "Internal server error"
// @Router /admin/overview [get]
func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	var out adminOverview
	err := h.db.GetContext(r.Context(), &out, `SELECT
    (SELECT COUNT(*) FROM users WHERE is_bot = FALSE) AS total_users,
    (SELECT COUNT(*) FROM users WHERE is_bot = TRUE) AS total_bots,
    (SELECT COUNT(*) FROM lessons) AS total_lessons,
    (SELECT COUNT(*) FROM lesson_completions) AS lesson_completions,
    (SELECT COUNT(*) FROM quiz_results) AS quiz_results,
    (SELECT COUNT(*) FROM posts) AS posts,
    (SELECT COALESCE(SUM(delta), 0) FROM point_events WHERE currency = 'points') AS points_issued,
    (SELECT COALESCE(SUM(delta), 0) FROM point_events WHERE currency = 'star_coins') AS star_coins_issued`)
	if err != nil {
		h.logger.Error("admin overview", zap.Error(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type appliedMigration struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

type schemaStatus struct {
	Dialect  string             `json:"dialect"`
	Applied  []appliedMigration `json:"applied"`
	Pending  []string           `json:"pending"`
	Problems []string           `json:"problems"`
}

// Schema godoc
// @Summary Migration ledger and validation status
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} schemaStatus
// @Failure 403 {string} string "Forbidden"
// @Router /admin/schema [get]
func (h *AdminHandler) Schema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	applied, err := migrate.ListApplied(ctx, h.db, h.dialect)
	if err != nil {
		h.logger.Error("read migration ledger", zap.Error(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := schemaStatus{Dialect: h.dialect.Name(), Applied: []appliedMigration{}, Pending: []string{}, Problems: []string{}}
	done := map[string]bool{}
	for _, a := range applied {
		done[a.ID] = true
		out.Applied = append(out.Applied, appliedMigration{ID: a.ID, Description: a.Description, AppliedAt: a.AppliedAt})
	}
	for _, step := range migrate.History() {
		if !done[step.ID] {
			out.Pending = append(out.Pending, step.ID)
		}
	}

	reqs := schema.DefaultRequirements(migrate.LedgerTable, migrate.LockTable)
	verr := schema.NewValidator(db.NewIntrospector(h.db, h.dialect), reqs).Validate(ctx)
	if joined, ok := verr.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out.Problems = append(out.Problems, e.Error())
		}
	} else if verr != nil {
		out.Problems = append(out.Problems, verr.Error())
	}
	writeJSON(w, http.StatusOK, out)
}
