package service

import (
	"context"
	"net/http"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/outbox"
	"github.com/mmeshcher/cardservice/internal/repository"
)

const auditTargetEvent = "outbox_event"

// EventResult содержит событие после изменения статуса доставки.
type EventResult struct {
	Event model.OutboxEvent `json:"event"`
}

// AdminRequeueEvent возвращает событие из dead letter в очередь доставки.
func (s *Service) AdminRequeueEvent(ctx context.Context, cmd Command, eventID, reason string) (*Outcome[EventResult], error) {
	if err := requireAdmin(cmd); err != nil {
		return nil, err
	}

	return runIdempotent(ctx, s, cmd, "admin_requeue_event", "",
		func(ctx context.Context, tx repository.Store, now time.Time) (int, EventResult, error) {
			var res EventResult

			before, err := tx.GetEvent(ctx, eventID)
			if err != nil {
				return 0, res, err
			}
			e, err := outbox.RequeueDeadLetter(ctx, tx, eventID, now)
			if err != nil {
				return 0, res, err
			}
			if err := appendAudit(ctx, tx, cmd, model.AuditRequeueEvent, auditTargetEvent, e.ID, before, e, reason, now); err != nil {
				return 0, res, err
			}

			res.Event = *e
			return http.StatusOK, res, nil
		})
}

// ListDeadLetterEvents возвращает события, исчерпавшие попытки доставки.
func (s *Service) ListDeadLetterEvents(ctx context.Context, actor Actor, limit int) ([]model.OutboxEvent, error) {
	if !actor.Admin {
		return nil, model.Forbidden("admin privileges required")
	}
	return s.store.ListEventsByStatus(ctx, model.EventStatusDeadLetter, limit)
}

// ListEntityEvents возвращает события сущности в порядке номеров.
func (s *Service) ListEntityEvents(ctx context.Context, actor Actor, entityID string) ([]model.OutboxEvent, error) {
	if !actor.Admin {
		return nil, model.Forbidden("admin privileges required")
	}
	return s.store.ListEventsByEntity(ctx, entityID)
}

// AuditTrail возвращает журнал действий администраторов над объектом.
func (s *Service) AuditTrail(ctx context.Context, actor Actor, targetType, targetID string) ([]model.AuditLog, error) {
	if !actor.Admin {
		return nil, model.Forbidden("admin privileges required")
	}
	return s.store.ListAuditByTarget(ctx, targetType, targetID)
}
