package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/models"
)

type UserHandler struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewUserHandler(conn *sqlx.DB, logger *zap.Logger) *UserHandler {
	return &UserHandler{db: conn, logger: logger}
}

const userColumns = `id, email, password_hash, display_name, grade, theme, language, is_subscribed, is_bot, is_admin, created_at`

var (
	themes       = map[string]bool{"light": true, "dark": true}
	languageCode = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
)

// GetMe returns the current user's profile
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	var u models.User
	err := h.db.GetContext(r.Context(), &u, h.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), currentUser(r))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load user", zap.Error(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ToUserDTO(u))
}

// UpdateMe updates provided fields on the current user's profile
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName  *string `json:"display_name"`
		Grade        *int    `json:"grade"`
		Theme        *string `json:"theme"`
		Language     *string `json:"language"`
		IsSubscribed *bool   `json:"is_subscribed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var sets []string
	var args []any
	if body.DisplayName != nil {
		name := strings.TrimSpace(*body.DisplayName)
		if name == "" || len(name) > 60 {
			http.Error(w, "display_name must be 1 to 60 characters", http.StatusBadRequest)
			return
		}
		sets = append(sets, "display_name = ?")
		args = append(args, name)
	}
	if body.Grade != nil {
		if *body.Grade < 0 || *body.Grade > 12 {
			http.Error(w, "grade must be between 0 and 12", http.StatusBadRequest)
			return
		}
		sets = append(sets, "grade = ?")
		args = append(args, *body.Grade)
	}
	if body.Theme != nil {
		if !themes[*body.Theme] {
			http.Error(w, "theme must be light or dark", http.StatusBadRequest)
			return
		}
		sets = append(sets, "theme = ?")
		args = append(args, *body.Theme)
	}
	if body.Language != nil {
		if !languageCode.MatchString(*body.Language) {
			http.Error(w, "language must be a code like en or pt-BR", http.StatusBadRequest)
			return
		}
		sets = append(sets, "language = ?")
		args = append(args, *body.Language)
	}
	if body.IsSubscribed != nil {
		sets = append(sets, "is_subscribed = ?")
		args = append(args, *body.IsSubscribed)
	}
	if len(sets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	query := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, currentUser(r))
	if _, err := h.db.ExecContext(r.Context(), h.db.Rebind(query), args...); err != nil {
		h.logger.Error("update user", zap.Error(err))
		http.Error(w, "could not update", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
