package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/models"
	"brightsteps/internal/services"
)

type LessonHandler struct {
	db      *sqlx.DB
	dialect db.Dialect
	rewards *services.RewardsService
	logger  *zap.Logger
}

func NewLessonHandler(conn *sqlx.DB, d db.Dialect, rewards *services.RewardsService, logger *zap.Logger) *LessonHandler {
	return &LessonHandler{db: conn, dialect: d, rewards: rewards, logger: logger}
}

// List godoc
// @Summary List lessons visible to the user
// @Description Global lessons plus the user's own, optionally filtered by grade and subject
// @Tags lessons
// @Produce json
// @Security BearerAuth
// @Param grade query int false "Grade, 0 is kindergarten"
// @Param subject query string false "Subject"
// @Success 200 {array} LessonDTO
// @Router /lessons [get]
func (h *LessonHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	grade, ok := queryGrade(r)
	if !ok {
		http.Error(w, "invalid grade", http.StatusBadRequest)
		return
	}

	where := []string{"(l.user_id IS NULL OR l.user_id = ?)"}
	args := []any{userID, userID}
	if grade != nil {
		where = append(where, "l.grade = ?")
		args = append(args, *grade)
	}
	if subject := r.URL.Query().Get("subject"); subject != "" {
		where = append(where, "l.subject = ?")
		args = append(args, strings.ToLower(subject))
	}

	query := `SELECT l.id, l.grade, l.subject, l.title, l.content, l.user_id, l.trace_word, l.question, l.options, l.answer, l.created_at,
       CASE WHEN lc.id IS NULL THEN FALSE ELSE TRUE END AS completed
FROM lessons l
LEFT JOIN lesson_completions lc ON lc.lesson_id = l.id AND lc.user_id = ?
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY l.grade, l.subject, l.id`

	var lessons []models.Lesson
	if err := h.db.SelectContext(r.Context(), &lessons, h.db.Rebind(query), args...); err != nil {
		h.logger.Error("list lessons", zap.Error(err))
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	out := make([]LessonDTO, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, ToLessonDTO(l))
	}
	writeJSON(w, http.StatusOK, out)
}

type lessonRequest struct {
	Grade     int      `json:"grade"`
	Subject   string   `json:"subject"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	TraceWord string   `json:"trace_word"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Answer    string   `json:"answer"`
}

// Create godoc
// @Summary Create a lesson owned by the user
// @Tags lessons
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 201 {object} map[string]int64 "id"
// @Failure 409 {string} string "Lesson already exists"
// @Router /lessons [post]
func (h *LessonHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req lessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Subject = strings.ToLower(strings.TrimSpace(req.Subject))
	req.Content = strings.TrimSpace(req.Content)
	if req.Subject == "" || req.Content == "" || req.Grade < 0 || req.Grade > 12 {
		http.Error(w, "grade, subject and content required", http.StatusBadRequest)
		return
	}
	var options any
	if len(req.Options) > 0 {
		b, _ := json.Marshal(req.Options)
		options = string(b)
	}

	id, err := h.dialect.InsertID(r.Context(), h.db,
		`INSERT INTO lessons (grade, subject, title, content, user_id, trace_word, question, options, answer)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Grade, req.Subject, req.Title, req.Content, currentUser(r),
		nullString(req.TraceWord), nullString(req.Question), options, nullString(req.Answer))
	if db.IsUniqueViolation(err) {
		http.Error(w, "a lesson with this grade, subject and content already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("create lesson", zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

var errNotFound = errors.New("not found")

// Complete godoc
// @Summary Mark a lesson completed
// @Description Records the completion once and awards points the first time
// @Tags lessons
// @Produce json
// @Security BearerAuth
// @Param id path int true "Lesson ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {string} string "Lesson not found"
// @Router /lessons/{id}/complete [post]
func (h *LessonHandler) Complete(w http.ResponseWriter, r *http.Request) {
	lessonID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid lesson id", http.StatusBadRequest)
		return
	}
	userID := currentUser(r)
	ctx := r.Context()

	var firstTime bool
	var badges []string
	err := db.WithTx(ctx, h.db, func(tx *sqlx.Tx) error {
		var visible int
		err := tx.GetContext(ctx, &visible, tx.Rebind(`SELECT COUNT(*) FROM lessons WHERE id = ? AND (user_id IS NULL OR user_id = ?)`), lessonID, userID)
		if err != nil {
			return err
		}
		if visible == 0 {
			return errNotFound
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO lesson_completions (user_id, lesson_id) VALUES (?, ?) ON CONFLICT DO NOTHING`), userID, lessonID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		firstTime = true
		if _, err := h.rewards.Award(ctx, tx, userID, models.CurrencyPoints, services.LessonCompletionPoints,
			services.ReasonLessonCompleted, fmt.Sprintf("lesson:%d", lessonID)); err != nil {
			return err
		}
		badges, err = h.rewards.GrantBadges(ctx, tx, userID)
		return err
	})
	if errors.Is(err, errNotFound) || errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "lesson not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("complete lesson", zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	awarded := 0
	if firstTime {
		awarded = services.LessonCompletionPoints
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"completed":      true,
		"points_awarded": awarded,
		"new_badges":     badges,
	})
}

func nullString(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
