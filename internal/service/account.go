package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/idempotency"
	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
)

// DeletionTokenTTL задаёт срок действия токена подтверждения удаления.
const DeletionTokenTTL = 15 * time.Minute

// DeletionChallenge содержит токен, который нужно вернуть для подтверждения удаления.
type DeletionChallenge struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeletionResult описывает удалённую учётную запись.
type DeletionResult struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

type userDeletedEvent struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
	Cards      int    `json:"cards"`
}

// RequestAccountDeletion выдаёт одноразовый токен подтверждения удаления учётной записи.
// В хранилище попадает только хеш токена.
func (s *Service) RequestAccountDeletion(ctx context.Context, actor Actor) (*DeletionChallenge, error) {
	user, err := s.store.GetUser(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if err := ensureZeroBalance(ctx, s.store, user.ID); err != nil {
		return nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate confirmation token: %w", err)
	}
	token := hex.EncodeToString(buf)
	now := s.now()

	t := &model.ConfirmationToken{
		TokenHash: idempotency.HashKey(token),
		ActorID:   actor.ID,
		Purpose:   model.PurposeAccountDeletion,
		TargetID:  user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(DeletionTokenTTL),
	}
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateConfirmationToken(ctx, t); err != nil {
			return err
		}
		return appendAudit(ctx, tx, Command{Actor: actor}, model.AuditRequestDeletion, model.EntityUser, user.ID, nil, nil, "", now)
	})
	if err != nil {
		return nil, err
	}

	return &DeletionChallenge{Token: token, ExpiresAt: t.ExpiresAt}, nil
}

// ConfirmAccountDeletion проверяет токен и удаляет пользователя вместе с картами и заявками.
func (s *Service) ConfirmAccountDeletion(ctx context.Context, cmd Command, token string) (*Outcome[DeletionResult], error) {
	if token == "" {
		return nil, model.Validation("confirmation token is required")
	}
	hash := idempotency.HashKey(token)

	// Пользователь блокируется внутри команды, так как повтор после удаления его уже не найдёт.
	out, err := runIdempotent(ctx, s, cmd, "confirm_account_deletion", "",
		func(ctx context.Context, tx repository.Store, now time.Time) (int, DeletionResult, error) {
			var res DeletionResult

			t, err := tx.GetConfirmationToken(ctx, hash)
			if err != nil {
				return 0, res, err
			}
			if t.Purpose != model.PurposeAccountDeletion || t.ActorID != cmd.Actor.ID {
				return 0, res, repository.ErrTokenNotFound
			}
			if !now.Before(t.ExpiresAt) {
				return 0, res, model.ValidationCode(model.CodeTokenInvalid, "confirmation token expired")
			}
			if err := tx.LockUser(ctx, t.TargetID); err != nil {
				return 0, res, err
			}

			user, err := tx.GetUser(ctx, t.TargetID)
			if err != nil {
				return 0, res, err
			}
			if err := ensureZeroBalance(ctx, tx, user.ID); err != nil {
				return 0, res, err
			}
			cards, err := tx.ListCardsByUser(ctx, user.ID)
			if err != nil {
				return 0, res, err
			}

			if err := tx.DeleteConfirmationToken(ctx, hash); err != nil {
				return 0, res, err
			}
			if err := tx.DeleteUserCascade(ctx, user.ID); err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditConfirmDeletion, model.EntityUser, user.ID, user, nil, "", now); err != nil {
				return 0, res, err
			}
			ev := userDeletedEvent{UserID: user.ID, ExternalID: user.ExternalID, Cards: len(cards)}
			if err := appendEvent(ctx, tx, model.EventUserDeleted, model.EntityUser, user.ID, ev, now); err != nil {
				return 0, res, err
			}

			res.UserID = user.ID
			res.DeletedAt = now
			return http.StatusOK, res, nil
		})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.logger.Info("user account deleted", zap.String("userID", out.Body.UserID))
	}
	return out, nil
}

func ensureZeroBalance(ctx context.Context, r repository.CardRepository, userID string) error {
	cards, err := r.ListCardsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if c.Balance.IsPositive() {
			return model.Conflict(model.CodeBalanceNotZero, "card %s has outstanding balance %s", c.Last4, c.Balance.StringFixed(2))
		}
	}
	return nil
}
