package handlers

import (
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/models"
	"brightsteps/internal/services"
)

type RewardsHandler struct {
	db      *sqlx.DB
	rewards *services.RewardsService
	logger  *zap.Logger
}

func NewRewardsHandler(conn *sqlx.DB, rewards *services.RewardsService, logger *zap.Logger) *RewardsHandler {
	return &RewardsHandler{db: conn, rewards: rewards, logger: logger}
}

type rewardsResponse struct {
	services.Balances
	Badges []models.UserBadge `json:"badges"`
}

// Get godoc
// @Summary Point balances and earned badges
// @Tags rewards
// @Produce json
// @Security BearerAuth
// @Success 200 {object} rewardsResponse
// @Router /rewards [get]
func (h *RewardsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	balances, err := h.rewards.Balances(r.Context(), h.db, userID)
	if err != nil {
		h.logger.Error("load balances", zap.Error(err))
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	badges, err := h.rewards.Badges(r.Context(), h.db, userID)
	if err != nil {
		h.logger.Error("load badges", zap.Error(err))
		http.Error(w, "could not fetch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rewardsResponse{Balances: balances, Badges: badges})
}
