// Package outbox доставляет доменные события, записанные вместе с изменениями сущностей,
// во внешний поток событий с повторными попытками и очередью недоставленных.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
)

// MaxAttempts задаёт число неудачных попыток, после которого событие переводится в dead_letter.
const MaxAttempts = 5

const (
	baseBackoff = 10 * time.Second
	maxBackoff  = 160 * time.Second
)

// Backoff возвращает задержку перед следующей попыткой: min(10s × 2^retryCount, 160s).
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 5 {
		return maxBackoff
	}
	return min(baseBackoff<<retryCount, maxBackoff)
}

// MarkSent помечает событие доставленным.
func MarkSent(e *model.OutboxEvent, now time.Time) {
	e.Status = model.EventStatusSent
	e.LastError = ""
	e.SentAt = &now
}

// MarkFailed фиксирует неудачную попытку доставки и планирует следующую.
func MarkFailed(e *model.OutboxEvent, cause error, now time.Time) {
	attempt := e.RetryCount
	e.RetryCount++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if e.RetryCount >= MaxAttempts {
		e.Status = model.EventStatusDeadLetter
		return
	}
	e.Status = model.EventStatusFailed
	e.NextRetryAt = now.Add(Backoff(attempt))
}

// EventStore описывает операции хранилища, нужные для управления событиями.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*model.OutboxEvent, error)
	UpdateEventDelivery(ctx context.Context, e *model.OutboxEvent) error
}

// RequeueDeadLetter возвращает событие из dead_letter в очередь доставки.
func RequeueDeadLetter(ctx context.Context, store EventStore, id string, now time.Time) (*model.OutboxEvent, error) {
	e, err := store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EventStatusDeadLetter {
		return nil, model.Conflict(model.CodeInvalidTransition, "event %s is %s, not dead_letter", e.ID, e.Status)
	}

	e.Status = model.EventStatusPending
	e.RetryCount = 0
	e.NextRetryAt = now
	e.LastError = ""
	if err := store.UpdateEventDelivery(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Envelope описывает событие в формате, публикуемом во внешний поток.
type Envelope struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewEnvelope формирует конверт события.
func NewEnvelope(e model.OutboxEvent) Envelope {
	return Envelope{
		EventID:        e.ID,
		EventType:      e.EventType,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		SequenceNumber: e.SequenceNumber,
		Payload:        e.Payload,
		CreatedAt:      e.CreatedAt,
	}
}
