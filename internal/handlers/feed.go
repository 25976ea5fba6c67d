package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/models"
)

const maxPostLength = 500

type FeedHandler struct {
	db      *sqlx.DB
	dialect db.Dialect
	logger  *zap.Logger
}

func NewFeedHandler(conn *sqlx.DB, d db.Dialect, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{db: conn, dialect: d, logger: logger}
}

// Feed godoc
// @Summary Latest posts with counters
// @Tags feed
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Post
// @Router /feed [get]
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	posts := []models.Post{}
	err := h.db.SelectContext(r.Context(), &posts, h.db.Rebind(`SELECT p.id, p.user_id, u.display_name AS author, p.content, p.created_at,
       (SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id) AS likes,
       (SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id) AS comments,
       (SELECT COUNT(*) FROM reposts rp WHERE rp.post_id = p.id) AS reposts,
       CASE WHEN EXISTS (SELECT 1 FROM likes ml WHERE ml.post_id = p.id AND ml.user_id = ?) THEN TRUE ELSE FALSE END AS liked_by_me
FROM posts p JOIN users u ON u.id = p.user_id
ORDER BY p.created_at DESC, p.id DESC
LIMIT 50`), currentUser(r))
	if err != nil {
		h.logger.Error("load feed", zap.Error(err))
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

type contentRequest struct {
	Content string `json:"content"`
}

func decodeContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return "", false
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || utf8.RuneCountInString(content) > maxPostLength {
		http.Error(w, "content must be 1 to 500 characters", http.StatusBadRequest)
		return "", false
	}
	return content, true
}

func (h *FeedHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}
	id, err := h.dialect.InsertID(r.Context(), h.db, `INSERT INTO posts (user_id, content) VALUES (?, ?)`, currentUser(r), content)
	if err != nil {
		h.logger.Error("create post", zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *FeedHandler) postExists(r *http.Request, id int64) (bool, error) {
	var n int
	err := h.db.GetContext(r.Context(), &n, h.db.Rebind(`SELECT COUNT(*) FROM posts WHERE id = ?`), id)
	return n > 0, err
}

// postFromPath resolves {id} to an existing post, writing the error response
// when it cannot.
func (h *FeedHandler) postFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	postID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid post id", http.StatusBadRequest)
		return 0, false
	}
	exists, err := h.postExists(r, postID)
	if err != nil {
		h.logger.Error("load post", zap.Error(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return 0, false
	}
	if !exists {
		http.Error(w, "post not found", http.StatusNotFound)
		return 0, false
	}
	return postID, true
}

func (h *FeedHandler) Comment(w http.ResponseWriter, r *http.Request) {
	postID, ok := h.postFromPath(w, r)
	if !ok {
		return
	}
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}
	id, err := h.dialect.InsertID(r.Context(), h.db, `INSERT INTO comments (post_id, user_id, content) VALUES (?, ?, ?)`,
		postID, currentUser(r), content)
	if err != nil {
		h.logger.Error("create comment", zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// Like godoc
// @Summary Like a post
// @Tags feed
// @Security BearerAuth
// @Param id path int true "Post ID"
// @Success 204
// @Failure 404 {string} string "Post not found"
// @Failure 409 {string} string "Already liked"
// @Router /posts/{id}/like [post]
func (h *FeedHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, "likes", "you already liked this post")
}

func (h *FeedHandler) Repost(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, "reposts", "you already reposted this post")
}

// react inserts a (post, user) pair into table, which carries a unique
// constraint on the pair.
func (h *FeedHandler) react(w http.ResponseWriter, r *http.Request, table, duplicate string) {
	postID, ok := h.postFromPath(w, r)
	if !ok {
		return
	}
	_, err := h.db.ExecContext(r.Context(), h.db.Rebind(`INSERT INTO `+table+` (post_id, user_id) VALUES (?, ?)`), postID, currentUser(r))
	if db.IsUniqueViolation(err) {
		http.Error(w, duplicate, http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("save reaction", zap.String("table", table), zap.Error(err))
		http.Error(w, "could not save", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
