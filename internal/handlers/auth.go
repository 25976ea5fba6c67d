package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/models"
)

type AuthHandler struct {
	db        *sqlx.DB
	dialect   db.Dialect
	hasher    *crypto.Hasher
	jwtSecret []byte
	logger    *zap.Logger
}

func NewAuthHandler(conn *sqlx.DB, d db.Dialect, hasher *crypto.Hasher, jwtSecret []byte, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: conn, dialect: d, hasher: hasher, jwtSecret: jwtSecret, logger: logger}
}

type credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Grade       int    `json:"grade"`
}

// Signup godoc
// @Summary Create an account
// @Tags auth
// @Accept json
// @Produce json
// @Success 201 {object} map[string]string "token"
// @Failure 400 {string} string "Bad request"
// @Failure 409 {string} string "Email already registered"
// @Router /auth/signup [post]
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
	if c.Email == "" || c.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}
	if c.Grade < 0 || c.Grade > 12 {
		http.Error(w, "grade must be between 0 and 12", http.StatusBadRequest)
		return
	}
	if c.DisplayName == "" {
		c.DisplayName, _, _ = strings.Cut(c.Email, "@")
	}

	hashed, err := h.hasher.Hash(c.Password)
	if err != nil {
		http.Error(w, "could not hash password", http.StatusBadRequest)
		return
	}

	id, err := h.dialect.InsertID(r.Context(), h.db,
		`INSERT INTO users (email, password_hash, display_name, grade) VALUES (?, ?, ?, ?)`,
		c.Email, hashed, c.DisplayName, c.Grade)
	if db.IsUniqueViolation(err) {
		http.Error(w, "an account with this email already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("create user", zap.Error(err))
		http.Error(w, "could not create user", http.StatusInternalServerError)
		return
	}

	token, err := h.issueJWT(id)
	if err != nil {
		http.Error(w, "could not issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}

// Login godoc
// @Summary Exchange credentials for a token
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string "token"
// @Failure 401 {string} string "Invalid credentials"
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
	if c.Email == "" || c.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	var user models.User
	err := h.db.GetContext(r.Context(), &user, h.db.Rebind(`SELECT id, password_hash, is_bot FROM users WHERE email = ?`), c.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if user.IsBot || h.hasher.Verify(user.PasswordHash, c.Password) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	h.upgradeHash(r, user, c.Password)

	token, err := h.issueJWT(user.ID)
	if err != nil {
		http.Error(w, "could not issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// upgradeHash replaces a legacy or weaker hash after a successful login.
// Failure only costs the upgrade.
func (h *AuthHandler) upgradeHash(r *http.Request, user models.User, password string) {
	if !h.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hashed, err := h.hasher.Hash(password)
	if err == nil {
		_, err = h.db.ExecContext(r.Context(), h.db.Rebind(`UPDATE users SET password_hash = ? WHERE id = ?`), hashed, user.ID)
	}
	if err != nil {
		h.logger.Warn("upgrade password hash", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	h.logger.Info("upgraded password hash", zap.Int64("user_id", user.ID))
}

func (h *AuthHandler) issueJWT(userID int64) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}
