// Package service реализует команды и запросы сервиса кредитных карт.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/approval"
	"github.com/mmeshcher/cardservice/internal/idempotency"
	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/scoring"
)

// maxVersionRetries ограничивает число повторов команды при конфликте версий карты.
const maxVersionRetries = 3

// ApprovalNotifier уведомляет администраторов о заявке, ожидающей решения.
type ApprovalNotifier interface {
	NotifyPendingRequest(ctx context.Context, req *model.CardRequest) error
}

// Deps содержит зависимости сервиса.
type Deps struct {
	Store          repository.Store
	Policy         approval.Policy
	Notifier       ApprovalNotifier
	Logger         *zap.Logger
	Clock          func() time.Time
	IdempotencyTTL time.Duration
	InitialScore   int
}

// Service содержит бизнес-логику сервиса кредитных карт.
type Service struct {
	store        repository.Store
	policy       approval.Policy
	notifier     ApprovalNotifier
	logger       *zap.Logger
	now          func() time.Time
	cache        *idempotency.Cache
	initialScore int
}

// New создаёт сервис. Незаданные зависимости заменяются значениями по умолчанию.
func New(deps Deps) *Service {
	s := &Service{
		store:        deps.Store,
		policy:       deps.Policy,
		notifier:     deps.Notifier,
		logger:       deps.Logger,
		now:          deps.Clock,
		cache:        idempotency.New(deps.IdempotencyTTL),
		initialScore: deps.InitialScore,
	}
	if s.policy == (approval.Policy{}) {
		s.policy = approval.DefaultPolicy()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.initialScore == 0 {
		s.initialScore = scoring.MediumTierThreshold
	}
	return s
}

// SetNotifier подключает канал уведомлений после создания сервиса.
func (s *Service) SetNotifier(n ApprovalNotifier) {
	s.notifier = n
}

// Policy возвращает политику одобрения.
func (s *Service) Policy() approval.Policy {
	return s.policy
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Actor описывает инициатора команды.
type Actor struct {
	ID    string
	Admin bool
}

// Command содержит общие параметры мутирующей команды.
type Command struct {
	Actor          Actor
	IdempotencyKey string
	CorrelationID  string
}

// Outcome содержит результат команды и его сериализованное представление.
// При повторе с тем же ключом Raw совпадает с исходным ответом побайтно.
type Outcome[T any] struct {
	StatusCode int
	Body       T
	Raw        []byte
	Replayed   bool
}

type commandFunc[T any] func(ctx context.Context, tx repository.Store, now time.Time) (int, T, error)

// runIdempotent выполняет команду в транзакции вместе с сохранением её ответа.
// Если lockUserID задан, строка пользователя блокируется до проверки кэша.
func runIdempotent[T any](ctx context.Context, s *Service, cmd Command, operation, lockUserID string, fn commandFunc[T]) (*Outcome[T], error) {
	if cmd.IdempotencyKey == "" {
		return nil, model.ValidationCode(model.CodeIdempotencyKeyMissing, "idempotency key is required")
	}
	if cmd.Actor.ID == "" {
		return nil, model.Validation("actor is required")
	}

	var (
		out    *Outcome[T]
		cached *model.IdempotencyRecord
		err    error
	)
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		out, cached = nil, nil
		now := s.now()

		err = s.store.InTx(ctx, func(tx repository.Store) error {
			if lockUserID != "" {
				if err := tx.LockUser(ctx, lockUserID); err != nil {
					return err
				}
			}

			rec, err := s.cache.Lookup(ctx, tx, cmd.Actor.ID, cmd.IdempotencyKey, now)
			if err != nil {
				return err
			}
			if rec != nil {
				cached = rec
				return nil
			}

			status, body, err := fn(ctx, tx, now)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal %s response: %w", operation, err)
			}
			if _, err := s.cache.Store(ctx, tx, cmd.Actor.ID, cmd.IdempotencyKey, operation, status, raw, now); err != nil {
				return err
			}
			out = &Outcome[T]{StatusCode: status, Body: body, Raw: raw}
			return nil
		})
		if !errors.Is(err, repository.ErrVersionConflict) {
			break
		}
		s.logger.Warn("version conflict, retrying command",
			zap.String("operation", operation),
			zap.String("actorID", cmd.Actor.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	switch {
	case errors.Is(err, repository.ErrIdempotencyExists):
		// Параллельный запрос с тем же ключом успел сохранить ответ.
		rec, lookupErr := s.cache.Lookup(ctx, s.store, cmd.Actor.ID, cmd.IdempotencyKey, s.now())
		if lookupErr != nil {
			return nil, lookupErr
		}
		if rec == nil {
			return nil, model.Conflict(model.CodeIdempotencyInFlight, "request with this idempotency key is in flight")
		}
		return replay[T](rec, operation)
	case err != nil:
		return nil, err
	case cached != nil:
		return replay[T](cached, operation)
	}
	return out, nil
}

// replay восстанавливает сохранённый ответ. Ключ, использованный другой командой, не переиспользуется.
func replay[T any](rec *model.IdempotencyRecord, operation string) (*Outcome[T], error) {
	if rec.Operation != operation {
		return nil, model.Conflict(model.CodeIdempotencyKeyReused,
			"idempotency key was already used for %s", rec.Operation)
	}
	out := &Outcome[T]{StatusCode: rec.StatusCode, Raw: rec.Response, Replayed: true}
	if err := json.Unmarshal(rec.Response, &out.Body); err != nil {
		return nil, fmt.Errorf("decode cached %s response: %w", rec.Operation, err)
	}
	return out, nil
}

func requireAdmin(cmd Command) error {
	if !cmd.Actor.Admin {
		return model.Forbidden("admin privileges required")
	}
	return nil
}

func appendEvent(ctx context.Context, tx repository.Store, eventType, entityType, entityID string, payload any, now time.Time) error {
	e, err := model.NewOutboxEvent(eventType, entityType, entityID, payload, now)
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

func appendAudit(ctx context.Context, tx repository.Store, cmd Command, action, targetType, targetID string, before, after any, reason string, now time.Time) error {
	a, err := model.NewAuditLog(cmd.Actor.ID, action, targetType, targetID, before, after, reason, cmd.CorrelationID, now)
	if err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, a); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// refreshSummary пересчитывает сводку по картам пользователя и сохраняет её.
func refreshSummary(ctx context.Context, tx repository.Store, user *model.User, now time.Time) error {
	cards, err := tx.ListCardsByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	user.RecalculateSummary(cards, now)
	if err := user.Validate(); err != nil {
		return err
	}
	return tx.UpdateUser(ctx, user)
}
