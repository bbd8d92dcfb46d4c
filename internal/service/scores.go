package service

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/scoring"
)

// AdjustScoreInput содержит новое значение рейтинга.
type AdjustScoreInput struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// ScoreResult описывает пользователя после изменения рейтинга.
type ScoreResult struct {
	User  model.User  `json:"user"`
	Score model.Score `json:"score"`
}

// AdminAdjustScore устанавливает рейтинг пользователя вручную.
func (s *Service) AdminAdjustScore(ctx context.Context, cmd Command, userID string, in AdjustScoreInput) (*Outcome[ScoreResult], error) {
	if err := requireAdmin(cmd); err != nil {
		return nil, err
	}
	if in.Score < scoring.MinScore || in.Score > scoring.MaxScore {
		return nil, model.Validation("score %d is outside [%d, %d]", in.Score, scoring.MinScore, scoring.MaxScore)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, model.Validation("reason is required")
	}

	return runIdempotent(ctx, s, cmd, "admin_adjust_score", userID,
		func(ctx context.Context, tx repository.Store, now time.Time) (int, ScoreResult, error) {
			var res ScoreResult

			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return 0, res, err
			}
			before := *user
			user.SetScore(in.Score, now)
			if err := user.Validate(); err != nil {
				return 0, res, err
			}
			if err := tx.UpdateUser(ctx, user); err != nil {
				return 0, res, err
			}

			score := model.NewScore(user.ID, before.CurrentScore, user.CurrentScore, reason, model.ScoreSourceAdmin, now)
			if err := tx.AppendScore(ctx, score); err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditAdjustScore, model.EntityUser, user.ID, before, user, reason, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventScoreChanged, model.EntityUser, user.ID, score, now); err != nil {
				return 0, res, err
			}

			res.User = *user
			res.Score = score
			return http.StatusOK, res, nil
		})
}

// ScoreHistory возвращает историю рейтинга, новые записи первыми.
// Пользователь видит только свою историю.
func (s *Service) ScoreHistory(ctx context.Context, actor Actor, userID string, limit int) ([]model.Score, error) {
	if !actor.Admin && actor.ID != userID {
		return nil, repository.ErrUserNotFound
	}
	return s.store.ListScoreHistory(ctx, userID, limit)
}
