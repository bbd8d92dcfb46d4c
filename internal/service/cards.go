package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/scoring"
)

// PurchaseInput содержит параметры покупки.
type PurchaseInput struct {
	Amount   decimal.Decimal `json:"amount"`
	Merchant string          `json:"merchant"`
}

// PurchaseResult описывает результат покупки.
type PurchaseResult struct {
	Transaction model.Transaction `json:"transaction"`
	Card        model.Card        `json:"card"`
}

// PaymentInput содержит параметры платежа.
type PaymentInput struct {
	Amount decimal.Decimal `json:"amount"`
}

// PaymentResult описывает результат платежа и его влияние на рейтинг.
type PaymentResult struct {
	Transaction model.Transaction `json:"transaction"`
	Card        model.Card        `json:"card"`
	ScoreImpact int               `json:"scoreImpact"`
	Score       int               `json:"score"`
	Tier        scoring.Tier      `json:"tier"`
}

// SetCardStatusInput содержит параметры смены статуса карты.
type SetCardStatusInput struct {
	Status model.CardStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// CardResult содержит карту после изменения.
type CardResult struct {
	Card model.Card `json:"card"`
}

type statusChangedEvent struct {
	CardID         string           `json:"cardId"`
	UserID         string           `json:"userId"`
	PreviousStatus model.CardStatus `json:"previousStatus"`
	Status         model.CardStatus `json:"status"`
	Reason         string           `json:"reason,omitempty"`
}

func normalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, model.Validation("amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, model.Validation("amount %s has more than 2 decimal places", amount)
	}
	return amount.Round(2), nil
}

func ownedCard(ctx context.Context, tx repository.Store, cardID, userID string) (*model.Card, error) {
	card, err := tx.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.UserID != userID {
		return nil, repository.ErrCardNotFound
	}
	return card, nil
}

// Purchase списывает покупку с карты пользователя-инициатора.
func (s *Service) Purchase(ctx context.Context, cmd Command, cardID string, in PurchaseInput) (*Outcome[PurchaseResult], error) {
	amount, err := normalizeAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	userID := cmd.Actor.ID

	return runIdempotent(ctx, s, cmd, "purchase", userID,
		func(ctx context.Context, tx repository.Store, now time.Time) (int, PurchaseResult, error) {
			var res PurchaseResult

			card, err := ownedCard(ctx, tx, cardID, userID)
			if err != nil {
				return 0, res, err
			}
			expected := card.Version
			if err := card.Charge(amount, now); err != nil {
				return 0, res, err
			}
			if err := card.Validate(); err != nil {
				return 0, res, err
			}

			txn, err := model.NewPurchase(card, amount, in.Merchant, cmd.IdempotencyKey, now)
			if err != nil {
				return 0, res, err
			}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return 0, res, err
			}
			if err := tx.UpdateCard(ctx, card, expected); err != nil {
				return 0, res, err
			}

			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return 0, res, err
			}
			if err := refreshSummary(ctx, tx, user, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventPurchaseRecorded, model.EntityCard, card.ID, txn, now); err != nil {
				return 0, res, err
			}

			res.Transaction = *txn
			res.Card = *card
			return http.StatusCreated, res, nil
		})
}

// Payment применяет платёж к карте и пересчитывает рейтинг пользователя.
func (s *Service) Payment(ctx context.Context, cmd Command, cardID string, in PaymentInput) (*Outcome[PaymentResult], error) {
	amount, err := normalizeAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	userID := cmd.Actor.ID

	return runIdempotent(ctx, s, cmd, "payment", userID,
		func(ctx context.Context, tx repository.Store, now time.Time) (int, PaymentResult, error) {
			var res PaymentResult

			card, err := ownedCard(ctx, tx, cardID, userID)
			if err != nil {
				return 0, res, err
			}
			expected := card.Version
			applied, err := card.ApplyPayment(amount, now)
			if err != nil {
				return 0, res, err
			}
			if err := card.Validate(); err != nil {
				return 0, res, err
			}

			impact := scoring.CalculatePaymentScoreImpact(amount, applied.PreviousBalance, applied.OnTime, applied.DaysOverdue)
			status := model.PaymentOnTime
			if !applied.OnTime {
				status = model.PaymentLate
			}

			txn, err := model.NewPayment(card, amount, status, impact, cmd.IdempotencyKey, now)
			if err != nil {
				return 0, res, err
			}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return 0, res, err
			}
			if err := tx.UpdateCard(ctx, card, expected); err != nil {
				return 0, res, err
			}

			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return 0, res, err
			}
			previous := user.CurrentScore
			user.SetScore(scoring.ApplyDelta(previous, impact), now)
			if err := refreshSummary(ctx, tx, user, now); err != nil {
				return 0, res, err
			}
			if err := appendEvent(ctx, tx, model.EventPaymentRecorded, model.EntityCard, card.ID, txn, now); err != nil {
				return 0, res, err
			}
			if user.CurrentScore != previous {
				reason := fmt.Sprintf("payment %s", status)
				if applied.DaysOverdue > 0 {
					reason = fmt.Sprintf("payment %s, %d days overdue", status, applied.DaysOverdue)
				}
				score := model.NewScore(user.ID, previous, user.CurrentScore, reason, model.ScoreSourcePayment, now)
				if err := tx.AppendScore(ctx, score); err != nil {
					return 0, res, err
				}
				if err := appendEvent(ctx, tx, model.EventScoreChanged, model.EntityUser, user.ID, score, now); err != nil {
					return 0, res, err
				}
			}

			res.Transaction = *txn
			res.Card = *card
			res.ScoreImpact = user.CurrentScore - previous
			res.Score = user.CurrentScore
			res.Tier = user.Tier
			return http.StatusCreated, res, nil
		})
}

// AdminSetCardStatus приостанавливает, возобновляет или закрывает карту.
func (s *Service) AdminSetCardStatus(ctx context.Context, cmd Command, cardID string, in SetCardStatusInput) (*Outcome[CardResult], error) {
	if err := requireAdmin(cmd); err != nil {
		return nil, err
	}

	return runIdempotent(ctx, s, cmd, "admin_set_card_status", "",
		func(ctx context.Context, tx repository.Store, now time.Time) (int, CardResult, error) {
			var res CardResult

			card, err := tx.GetCard(ctx, cardID)
			if err != nil {
				return 0, res, err
			}
			if err := tx.LockUser(ctx, card.UserID); err != nil {
				return 0, res, err
			}
			if card, err = tx.GetCard(ctx, cardID); err != nil {
				return 0, res, err
			}

			before := card.Clone()
			expected := card.Version
			if err := card.SetStatus(in.Status, now); err != nil {
				return 0, res, err
			}
			if err := card.Validate(); err != nil {
				return 0, res, err
			}
			if err := tx.UpdateCard(ctx, card, expected); err != nil {
				return 0, res, err
			}

			user, err := tx.GetUser(ctx, card.UserID)
			if err != nil {
				return 0, res, err
			}
			if err := refreshSummary(ctx, tx, user, now); err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditSetCardStatus, model.EntityCard, card.ID, before, card, in.Reason, now); err != nil {
				return 0, res, err
			}
			ev := statusChangedEvent{
				CardID:         card.ID,
				UserID:         card.UserID,
				PreviousStatus: before.Status,
				Status:         card.Status,
				Reason:         in.Reason,
			}
			if err := appendEvent(ctx, tx, model.EventCardStatusChanged, model.EntityCard, card.ID, ev, now); err != nil {
				return 0, res, err
			}

			res.Card = *card
			return http.StatusOK, res, nil
		})
}

// ListUserCards возвращает карты пользователя.
func (s *Service) ListUserCards(ctx context.Context, userID string) ([]model.Card, error) {
	return s.store.ListCardsByUser(ctx, userID)
}

// GetCard возвращает карту. Пользователь видит только свои карты.
func (s *Service) GetCard(ctx context.Context, actor Actor, cardID string) (*model.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && card.UserID != actor.ID {
		return nil, repository.ErrCardNotFound
	}
	return card, nil
}

// ListTransactions возвращает операции по карте, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, actor Actor, cardID string, limit int) ([]model.Transaction, error) {
	if _, err := s.GetCard(ctx, actor, cardID); err != nil {
		return nil, err
	}
	return s.store.ListTransactionsByCard(ctx, cardID, limit)
}
