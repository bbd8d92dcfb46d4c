package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus описывает статус доставки события.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusSent       EventStatus = "sent"
	EventStatusFailed     EventStatus = "failed"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Типы событий.
const (
	EventCardRequested     = "card.requested"
	EventCardApproved      = "card.approved"
	EventCardRejected      = "card.rejected"
	EventCardStatusChanged = "card.status_changed"
	EventScoreChanged      = "score.changed"
	EventPurchaseRecorded  = "transaction.purchase"
	EventPaymentRecorded   = "transaction.payment"
	EventUserDeleted       = "user.deleted"
)

// Типы сущностей событий.
const (
	EntityUser        = "user"
	EntityCard        = "card"
	EntityCardRequest = "card_request"
)

// OutboxEvent описывает доменное событие, ожидающее доставки.
type OutboxEvent struct {
	ID             string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
	Status         EventStatus     `json:"status"`
	RetryCount     int             `json:"retryCount"`
	NextRetryAt    time.Time       `json:"nextRetryAt"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
}

// NewOutboxEvent создаёт событие в статусе pending. Номер последовательности назначает репозиторий.
func NewOutboxEvent(eventType, entityType, entityID string, payload any, now time.Time) (*OutboxEvent, error) {
	if eventType == "" || entityType == "" || entityID == "" {
		return nil, Validation("event type and entity are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &OutboxEvent{
		ID:          uuid.NewString(),
		EventType:   eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     raw,
		Status:      EventStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}

// Deliverable сообщает, может ли событие быть выбрано для доставки в момент now.
func (e *OutboxEvent) Deliverable(now time.Time) bool {
	return (e.Status == EventStatusPending || e.Status == EventStatusFailed) && !e.NextRetryAt.After(now)
}

// Undelivered сообщает, что событие ещё может быть доставлено.
func (e *OutboxEvent) Undelivered() bool {
	return e.Status == EventStatusPending || e.Status == EventStatusFailed
}

// IdempotencyRecord хранит закэшированный ответ на мутирующую команду.
type IdempotencyRecord struct {
	ActorID    string          `json:"actorId"`
	KeyHash    string          `json:"keyHash"`
	Operation  string          `json:"operation"`
	Response   json.RawMessage `json:"response"`
	StatusCode int             `json:"statusCode"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// Expired сообщает, истёк ли срок хранения записи.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AuditLog описывает неизменяемую запись о действии администратора.
type AuditLog struct {
	ID            string          `json:"id"`
	ActorID       string          `json:"actorId"`
	Action        string          `json:"action"`
	TargetType    string          `json:"targetType"`
	TargetID      string          `json:"targetId"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Действия администратора.
const (
	AuditApproveRequest  = "approve_request"
	AuditRejectRequest   = "reject_request"
	AuditAdjustScore     = "adjust_score"
	AuditSetCardStatus   = "set_card_status"
	AuditRequeueEvent    = "requeue_event"
	AuditRequestDeletion = "request_account_deletion"
	AuditConfirmDeletion = "confirm_account_deletion"
)

// NewAuditLog создаёт запись аудита со снимками состояния до и после действия.
func NewAuditLog(actorID, action, targetType, targetID string, before, after any, reason, correlationID string, now time.Time) (*AuditLog, error) {
	b, err := marshalSnapshot(before)
	if err != nil {
		return nil, err
	}
	a, err := marshalSnapshot(after)
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		ID:            uuid.NewString(),
		ActorID:       actorID,
		Action:        action,
		TargetType:    targetType,
		TargetID:      targetID,
		Before:        b,
		After:         a,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}, nil
}

func marshalSnapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit snapshot: %w", err)
	}
	return raw, nil
}

// ConfirmationToken хранит хеш токена подтверждения опасного действия.
type ConfirmationToken struct {
	TokenHash string    `json:"tokenHash"`
	ActorID   string    `json:"actorId"`
	Purpose   string    `json:"purpose"`
	TargetID  string    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PurposeAccountDeletion обозначает токен подтверждения удаления учётной записи.
const PurposeAccountDeletion = "account_deletion"
