package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	mw "brightsteps/internal/middleware"
	"brightsteps/internal/services"
)

type RouterConfig struct {
	DB          *sqlx.DB
	Dialect     db.Dialect
	Hasher      *crypto.Hasher
	JWTSecret   []byte
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter mounts the JSON API under /api.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(mw.ZapRequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rewards := services.NewRewardsService(cfg.Logger)
	authHandler := NewAuthHandler(cfg.DB, cfg.Dialect, cfg.Hasher, cfg.JWTSecret, cfg.Logger)
	userHandler := NewUserHandler(cfg.DB, cfg.Logger)
	lessonHandler := NewLessonHandler(cfg.DB, cfg.Dialect, rewards, cfg.Logger)
	quizHandler := NewQuizHandler(cfg.DB, cfg.Dialect, rewards, cfg.Logger)
	feedHandler := NewFeedHandler(cfg.DB, cfg.Dialect, cfg.Logger)
	rewardsHandler := NewRewardsHandler(cfg.DB, rewards, cfg.Logger)
	adminHandler := NewAdminHandler(cfg.DB, cfg.Dialect, cfg.Logger)
	authMW := mw.NewAuthMiddleware(cfg.JWTSecret)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/signup", authHandler.Signup)
		api.Post("/auth/login", authHandler.Login)
		api.Group(func(pr chi.Router) {
			pr.Use(authMW.RequireAuth)
			pr.Get("/me", userHandler.GetMe)
			pr.Put("/me", userHandler.UpdateMe)

			pr.Get("/lessons", lessonHandler.List)
			pr.Post("/lessons", lessonHandler.Create)
			pr.Post("/lessons/{id}/complete", lessonHandler.Complete)

			pr.Get("/quizzes", quizHandler.List)
			pr.Post("/quizzes/{id}/results", quizHandler.SubmitResult)

			pr.Get("/feed", feedHandler.Feed)
			pr.Post("/posts", feedHandler.CreatePost)
			pr.Post("/posts/{id}/comments", feedHandler.Comment)
			pr.Post("/posts/{id}/like", feedHandler.Like)
			pr.Post("/posts/{id}/repost", feedHandler.Repost)

			pr.Get("/rewards", rewardsHandler.Get)

			pr.Route("/admin", func(ad chi.Router) {
				ad.Use(adminHandler.RequireAdmin)
				ad.Get("/overview", adminHandler.Overview)
				ad.Get("/schema", adminHandler.Schema)
			})
		})
	})
	return r
}
