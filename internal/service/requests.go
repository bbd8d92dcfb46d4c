package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/validation"
)

// Статусы результата подачи заявки.
const (
	RequestOutcomeApproved = "approved"
	RequestOutcomePending  = "pending"
)

// RequestCardInput содержит параметры заявки на карту.
type RequestCardInput struct {
	RequestedLimit *decimal.Decimal `json:"requestedLimit,omitempty"`
}

// RequestCardResult описывает результат подачи заявки.
type RequestCardResult struct {
	Status  string            `json:"status"`
	Request model.CardRequest `json:"request"`
	Card    *model.Card       `json:"card,omitempty"`
}

// AdminApproveInput содержит параметры одобрения заявки администратором.
type AdminApproveInput struct {
	Limit       *decimal.Decimal `json:"limit,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	RespondedBy string           `json:"-"`
}

// AdminRejectInput содержит параметры отклонения заявки администратором.
type AdminRejectInput struct {
	Reason      string `json:"reason,omitempty"`
	RespondedBy string `json:"-"`
}

// DecisionResult описывает результат решения администратора.
type DecisionResult struct {
	Request model.CardRequest `json:"request"`
	Card    *model.Card       `json:"card,omitempty"`
}

type decisionEvent struct {
	Request model.CardRequest `json:"request"`
	Card    *model.Card       `json:"card,omitempty"`
}

// RequestCard подаёт заявку на карту от имени пользователя-инициатора.
// Высокий и средний уровни одобряются сразу, низкий ждёт решения администратора.
func (s *Service) RequestCard(ctx context.Context, cmd Command, in RequestCardInput) (*Outcome[RequestCardResult], error) {
	userID := cmd.Actor.ID

	out, err := runIdempotent(ctx, s, cmd, "request_card", userID,
		func(ctx context.Context, tx repository.Store, now time.Time) (int, RequestCardResult, error) {
			var res RequestCardResult

			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return 0, res, err
			}
			cards, err := tx.ListCardsByUser(ctx, user.ID)
			if err != nil {
				return 0, res, err
			}
			requests, err := tx.ListCardRequestsByUser(ctx, user.ID)
			if err != nil {
				return 0, res, err
			}
			if err := s.policy.CanRequestCard(user, cards, requests, requests, now); err != nil {
				return 0, res, err
			}
			if in.RequestedLimit != nil {
				if err := s.policy.ValidateLimitForTier(*in.RequestedLimit, user.Tier); err != nil {
					return 0, res, err
				}
			}

			req, err := model.NewCardRequest(user, cmd.IdempotencyKey, in.RequestedLimit, now)
			if err != nil {
				return 0, res, err
			}
			if err := tx.CreateCardRequest(ctx, req); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventCardRequested, model.EntityCardRequest, req.ID, req, now); err != nil {
				return 0, res, err
			}

			outcome := s.policy.DetermineApprovalOutcome(user.CurrentScore)
			if !outcome.Approved {
				res.Status = RequestOutcomePending
				res.Request = *req
				return http.StatusAccepted, res, nil
			}

			card, err := issueCard(ctx, tx, user.ID, outcome.Limit, now)
			if err != nil {
				return 0, res, err
			}
			limit := outcome.Limit
			decision := model.Decision{
				Source:        model.DecisionSourceAuto,
				Reason:        fmt.Sprintf("auto-approved for %s tier", outcome.Tier),
				ApprovedLimit: &limit,
				DecidedAt:     now,
			}
			if err := req.Approve(decision, card.ID); err != nil {
				return 0, res, err
			}
			if err := req.Validate(); err != nil {
				return 0, res, err
			}
			if err := tx.DecideCardRequest(ctx, req); err != nil {
				return 0, res, err
			}
			if err := refreshSummary(ctx, tx, user, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventCardApproved, model.EntityCardRequest, req.ID, decisionEvent{Request: *req, Card: card}, now); err != nil {
				return 0, res, err
			}

			res.Status = RequestOutcomeApproved
			res.Request = *req
			res.Card = card
			return http.StatusCreated, res, nil
		})
	if err != nil {
		return nil, err
	}

	if out.StatusCode == http.StatusAccepted && !out.Replayed && s.notifier != nil {
		req := out.Body.Request
		if err := s.notifier.NotifyPendingRequest(context.WithoutCancel(ctx), &req); err != nil {
			s.logger.Warn("failed to notify admins about pending request",
				zap.String("requestID", req.ID),
				zap.Error(err),
			)
		}
	}

	return out, nil
}

// AdminApprove одобряет заявку, ожидающую решения, и выпускает карту.
func (s *Service) AdminApprove(ctx context.Context, cmd Command, requestID string, in AdminApproveInput) (*Outcome[DecisionResult], error) {
	if err := requireAdmin(cmd); err != nil {
		return nil, err
	}

	return runIdempotent(ctx, s, cmd, "admin_approve", "",
		func(ctx context.Context, tx repository.Store, now time.Time) (int, DecisionResult, error) {
			var res DecisionResult

			req, user, err := loadPendingRequest(ctx, tx, requestID)
			if err != nil {
				return 0, res, err
			}

			limit := s.policy.DefaultLimitForTier(user.Tier)
			if in.Limit != nil {
				limit = *in.Limit
			}
			if err := s.policy.CanApproveWithLimit(req, user.Tier, limit); err != nil {
				return 0, res, err
			}

			before := req.Clone()
			card, err := issueCard(ctx, tx, user.ID, limit, now)
			if err != nil {
				return 0, res, err
			}
			decision := model.Decision{
				Source:        model.DecisionSourceAdmin,
				AdminID:       cmd.Actor.ID,
				Reason:        in.Reason,
				ApprovedLimit: &limit,
				DecidedAt:     now,
			}
			if err := req.Approve(decision, card.ID); err != nil {
				return 0, res, err
			}
			if err := req.Validate(); err != nil {
				return 0, res, err
			}
			if err := tx.DecideCardRequest(ctx, req); err != nil {
				return 0, res, err
			}
			if err := refreshSummary(ctx, tx, user, now); err != nil {
				return 0, res, err
			}
			if err := resolveTracker(ctx, tx, req.ID, model.ApprovalApproved, respondent(cmd, in.RespondedBy), now); err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditApproveRequest, model.EntityCardRequest, req.ID, before, req, in.Reason, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventCardApproved, model.EntityCardRequest, req.ID, decisionEvent{Request: *req, Card: card}, now); err != nil {
				return 0, res, err
			}

			res.Request = *req
			res.Card = card
			return http.StatusOK, res, nil
		})
}

// AdminReject отклоняет заявку, ожидающую решения.
func (s *Service) AdminReject(ctx context.Context, cmd Command, requestID string, in AdminRejectInput) (*Outcome[DecisionResult], error) {
	if err := requireAdmin(cmd); err != nil {
		return nil, err
	}

	return runIdempotent(ctx, s, cmd, "admin_reject", "",
		func(ctx context.Context, tx repository.Store, now time.Time) (int, DecisionResult, error) {
			var res DecisionResult

			req, _, err := loadPendingRequest(ctx, tx, requestID)
			if err != nil {
				return 0, res, err
			}

			before := req.Clone()
			decision := model.Decision{
				Source:    model.DecisionSourceAdmin,
				AdminID:   cmd.Actor.ID,
				Reason:    in.Reason,
				DecidedAt: now,
			}
			if err := req.Reject(decision); err != nil {
				return 0, res, err
			}
			if err := req.Validate(); err != nil {
				return 0, res, err
			}
			if err := tx.DecideCardRequest(ctx, req); err != nil {
				return 0, res, err
			}
			if err := resolveTracker(ctx, tx, req.ID, model.ApprovalRejected, respondent(cmd, in.RespondedBy), now); err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditRejectRequest, model.EntityCardRequest, req.ID, before, req, in.Reason, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventCardRejected, model.EntityCardRequest, req.ID, decisionEvent{Request: *req}, now); err != nil {
				return 0, res, err
			}

			res.Request = *req
			return http.StatusOK, res, nil
		})
}

// loadPendingRequest загружает заявку и блокирует её владельца. Рассмотренная заявка даёт REQUEST_NOT_PENDING.
func loadPendingRequest(ctx context.Context, tx repository.Store, requestID string) (*model.CardRequest, *model.User, error) {
	req, err := tx.GetCardRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.LockUser(ctx, req.UserID); err != nil {
		return nil, nil, err
	}
	// Повторное чтение после блокировки видит решение, зафиксированное конкурентом.
	req, err = tx.GetCardRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.IsPending() {
		return nil, nil, model.Conflict(model.CodeRequestNotPending, "request %s is already %s", req.ID, req.Status)
	}
	user, err := tx.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	return req, user, nil
}

func issueCard(ctx context.Context, tx repository.Store, userID string, limit decimal.Decimal, now time.Time) (*model.Card, error) {
	number, err := validation.GenerateCardNumber(validation.DefaultIssuerPrefix)
	if err != nil {
		return nil, fmt.Errorf("generate card number: %w", err)
	}
	card, err := model.NewCard(userID, number, limit, now)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateCard(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

func resolveTracker(ctx context.Context, tx repository.Store, requestID string, status model.ApprovalStatus, respondedBy string, now time.Time) error {
	t, err := tx.GetPendingApproval(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrApprovalNotFound) {
			return nil
		}
		return err
	}
	if t.IsTerminal() {
		return nil
	}
	if err := t.Resolve(status, respondedBy, now); err != nil {
		return err
	}
	return tx.UpdatePendingApproval(ctx, t)
}

func respondent(cmd Command, respondedBy string) string {
	if respondedBy != "" {
		return respondedBy
	}
	return cmd.Actor.ID
}

// GetCardRequest возвращает заявку. Пользователь видит только свои заявки.
func (s *Service) GetCardRequest(ctx context.Context, actor Actor, id string) (*model.CardRequest, error) {
	req, err := s.store.GetCardRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && req.UserID != actor.ID {
		return nil, repository.ErrRequestNotFound
	}
	return req, nil
}

// ListUserRequests возвращает заявки пользователя, новые первыми.
func (s *Service) ListUserRequests(ctx context.Context, userID string) ([]model.CardRequest, error) {
	return s.store.ListCardRequestsByUser(ctx, userID)
}

// ListPendingRequests возвращает очередь заявок для администратора.
func (s *Service) ListPendingRequests(ctx context.Context, actor Actor, limit int) ([]model.CardRequest, error) {
	if !actor.Admin {
		return nil, model.Forbidden("admin privileges required")
	}
	return s.store.ListPendingCardRequests(ctx, limit)
}
