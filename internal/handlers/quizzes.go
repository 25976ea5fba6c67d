package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/models"
	"brightsteps/internal/services"
)

type QuizHandler struct {
	db      *sqlx.DB
	dialect db.Dialect
	rewards *services.RewardsService
	logger  *zap.Logger
}

func NewQuizHandler(conn *sqlx.DB, d db.Dialect, rewards *services.RewardsService, logger *zap.Logger) *QuizHandler {
	return &QuizHandler{db: conn, dialect: d, rewards: rewards, logger: logger}
}

func (h *QuizHandler) List(w http.ResponseWriter, r *http.Request) {
	grade, ok := queryGrade(r)
	if !ok {
		http.Error(w, "invalid grade", http.StatusBadRequest)
		return
	}
	query := `SELECT id, grade, subject, title, questions, created_at FROM quizzes`
	var args []any
	if grade != nil {
		query += ` WHERE grade = ?`
		args = append(args, *grade)
	}
	query += ` ORDER BY grade, subject, title`

	var quizzes []models.Quiz
	if err := h.db.SelectContext(r.Context(), &quizzes, h.db.Rebind(query), args...); err != nil {
		h.logger.Error("list quizzes", zap.Error(err))
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	out := make([]QuizDTO, 0, len(quizzes))
	for _, q := range quizzes {
		out = append(out, ToQuizDTO(q))
	}
	writeJSON(w, http.StatusOK, out)
}

type quizResultRequest struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

// SubmitResult godoc
// @Summary Record a quiz attempt
// @Description Stores the score and awards one star coin per correct answer
// @Tags quizzes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Quiz ID"
// @Success 201 {object} models.QuizResult
// @Failure 400 {string} string "Bad request"
// @Failure 404 {string} string "Quiz not found"
// @Router /quizzes/{id}/results [post]
func (h *QuizHandler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	quizID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid quiz id", http.StatusBadRequest)
		return
	}
	var req quizResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Total <= 0 || req.Score < 0 || req.Score > req.Total {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	userID := currentUser(r)
	ctx := r.Context()

	var result models.QuizResult
	err := db.WithTx(ctx, h.db, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM quizzes WHERE id = ?`), quizID); err != nil {
			return err
		}
		if exists == 0 {
			return errNotFound
		}
		id, err := h.dialect.InsertID(ctx, tx, `INSERT INTO quiz_results (user_id, quiz_id, score, total) VALUES (?, ?, ?, ?)`,
			userID, quizID, req.Score, req.Total)
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &result, tx.Rebind(`SELECT id, user_id, quiz_id, score, total, taken_at FROM quiz_results WHERE id = ?`), id); err != nil {
			return err
		}
		if _, err := h.rewards.Award(ctx, tx, userID, models.CurrencyStarCoins, req.Score,
			services.ReasonQuizResult, fmt.Sprintf("quiz_result:%d", id)); err != nil {
			return err
		}
		_, err = h.rewards.GrantBadges(ctx, tx, userID)
		return err
	})
	if errors.Is(err, errNotFound) || errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "quiz not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("submit quiz result", zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
