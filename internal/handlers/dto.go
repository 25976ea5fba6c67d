package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	mw "brightsteps/internal/middleware"
	"brightsteps/internal/models"
)

// UserDTO is the profile as the client sees it, with a consistent
// created_at string.
type UserDTO struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Grade        int    `json:"grade"`
	Theme        string `json:"theme"`
	Language     string `json:"language"`
	IsSubscribed bool   `json:"is_subscribed"`
	IsAdmin      bool   `json:"is_admin"`
	CreatedAt    string `json:"created_at"`
}

func ToUserDTO(u models.User) UserDTO {
	return UserDTO{
		ID:           u.ID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		Grade:        u.Grade,
		Theme:        u.Theme,
		Language:     u.Language,
		IsSubscribed: u.IsSubscribed,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// LessonDTO decodes the stored options array.
type LessonDTO struct {
	models.Lesson
	Options []string `json:"options,omitempty"`
}

func ToLessonDTO(l models.Lesson) LessonDTO {
	dto := LessonDTO{Lesson: l}
	if l.Options != nil {
		_ = json.Unmarshal([]byte(*l.Options), &dto.Options)
	}
	return dto
}

type QuizDTO struct {
	models.Quiz
	Questions json.RawMessage `json:"questions"`
}

func ToQuizDTO(q models.Quiz) QuizDTO {
	raw := json.RawMessage(q.Questions)
	if !json.Valid(raw) {
		raw = json.RawMessage("[]")
	}
	return QuizDTO{Quiz: q, Questions: raw}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func currentUser(r *http.Request) int64 {
	id, _ := mw.UserIDFrom(r.Context())
	return id
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// queryGrade parses an optional ?grade= filter.
func queryGrade(r *http.Request) (*int, bool) {
	raw := r.URL.Query().Get("grade")
	if raw == "" {
		return nil, true
	}
	g, err := strconv.Atoi(raw)
	if err != nil || g < 0 || g > 12 {
		return nil, false
	}
	return &g, true
}
