package services

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/db"
	"brightsteps/internal/models"
)

const (
	LessonCompletionPoints = 10
	ReasonLessonCompleted  = "lesson_completed"
	ReasonQuizResult       = "quiz_result"
)

// Balances are sums over point_events.
type Balances struct {
	Points    int64 `db:"points" json:"points"`
	StarCoins int64 `db:"star_coins" json:"star_coins"`
}

// RewardsService writes to the point ledger and grants badges. Every method
// takes the querier it should run on, usually the caller's transaction.
type RewardsService struct {
	logger *zap.Logger
}

func NewRewardsService(logger *zap.Logger) *RewardsService {
	return &RewardsService{logger: logger.Named("rewards")}
}

// Award appends a ledger entry. An entry with the same user, currency, reason
// and ref is granted only once; the second call reports false.
func (s *RewardsService) Award(ctx context.Context, q db.Querier, userID int64, currency string, delta int, reason, ref string) (bool, error) {
	if delta == 0 {
		return false, nil
	}
	res, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO point_events (user_id, currency, delta, reason, ref)
VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`), userID, currency, delta, reason, ref)
	if err != nil {
		return false, fmt.Errorf("award %s: %w", reason, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RewardsService) Balances(ctx context.Context, q db.Querier, userID int64) (Balances, error) {
	var b Balances
	err := sqlx.GetContext(ctx, q, &b, q.Rebind(`SELECT
    COALESCE(SUM(CASE WHEN currency = 'points' THEN delta ELSE 0 END), 0) AS points,
    COALESCE(SUM(CASE WHEN currency = 'star_coins' THEN delta ELSE 0 END), 0) AS star_coins
FROM point_events WHERE user_id = ?`), userID)
	if err != nil {
		return Balances{}, fmt.Errorf("balances: %w", err)
	}
	return b, nil
}

// GrantBadges awards every catalog badge whose threshold the user's balance
// in the badge currency has reached. It returns the newly granted codes.
func (s *RewardsService) GrantBadges(ctx context.Context, q db.Querier, userID int64) ([]string, error) {
	var due []string
	err := sqlx.SelectContext(ctx, q, &due, q.Rebind(`SELECT b.code FROM badges b
WHERE b.threshold <= (
    SELECT COALESCE(SUM(pe.delta), 0) FROM point_events pe
    WHERE pe.user_id = ? AND pe.currency = b.currency
)
AND NOT EXISTS (SELECT 1 FROM user_badges ub WHERE ub.user_id = ? AND ub.badge_code = b.code)
ORDER BY b.code`), userID, userID)
	if err != nil {
		return nil, fmt.Errorf("find due badges: %w", err)
	}
	var granted []string
	for _, code := range due {
		res, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO user_badges (user_id, badge_code) VALUES (?, ?) ON CONFLICT DO NOTHING`), userID, code)
		if err != nil {
			return nil, fmt.Errorf("grant %s: %w", code, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			granted = append(granted, code)
		}
	}
	if len(granted) > 0 {
		s.logger.Info("badges granted", zap.Int64("user_id", userID), zap.Strings("badges", granted))
	}
	return granted, nil
}

func (s *RewardsService) Badges(ctx context.Context, q db.Querier, userID int64) ([]models.UserBadge, error) {
	out := []models.UserBadge{}
	err := sqlx.SelectContext(ctx, q, &out, q.Rebind(`SELECT ub.badge_code, COALESCE(b.name, ub.badge_code) AS name, ub.awarded_at
FROM user_badges ub LEFT JOIN badges b ON b.code = ub.badge_code
WHERE ub.user_id = ? ORDER BY ub.awarded_at, ub.badge_code`), userID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	return out, nil
}
