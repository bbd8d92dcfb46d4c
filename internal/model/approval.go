package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus описывает состояние удалённого согласования заявки.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// PendingApprovalTracker отслеживает рассылку уведомлений и ответ администратора по заявке.
type PendingApprovalTracker struct {
	RequestID       string         `json:"requestId"`
	ShortID         string         `json:"shortId"`
	UserID          string         `json:"userId"`
	ApprovalStatus  ApprovalStatus `json:"approvalStatus"`
	NotificationIDs []string       `json:"notificationIds"`
	RespondedBy     string         `json:"respondedBy,omitempty"`
	RespondedAt     *time.Time     `json:"respondedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

// NewPendingApprovalTracker создаёт трекер для заявки, ожидающей решения.
func NewPendingApprovalTracker(req *CardRequest, ttl time.Duration, now time.Time) *PendingApprovalTracker {
	return &PendingApprovalTracker{
		RequestID:      req.ID,
		ShortID:        req.ShortID(),
		UserID:         req.UserID,
		ApprovalStatus: ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// IsTerminal сообщает, завершено ли согласование.
func (t *PendingApprovalTracker) IsTerminal() bool {
	return t.ApprovalStatus != ApprovalPending
}

// Resolve фиксирует решение администратора.
func (t *PendingApprovalTracker) Resolve(status ApprovalStatus, phone string, now time.Time) error {
	if t.IsTerminal() {
		return Conflict(CodeInvalidTransition, "approval for %s is already %s", t.RequestID, t.ApprovalStatus)
	}
	if status != ApprovalApproved && status != ApprovalRejected {
		return Validation("unsupported approval status %q", status)
	}
	t.ApprovalStatus = status
	t.RespondedBy = phone
	t.RespondedAt = &now
	return nil
}

// Expire переводит согласование в статус expired, если срок истёк.
func (t *PendingApprovalTracker) Expire(now time.Time) bool {
	if t.IsTerminal() || now.Before(t.ExpiresAt) {
		return false
	}
	t.ApprovalStatus = ApprovalExpired
	return true
}

// Clone возвращает независимую копию трекера.
func (t PendingApprovalTracker) Clone() PendingApprovalTracker {
	t.NotificationIDs = append([]string(nil), t.NotificationIDs...)
	if t.RespondedAt != nil {
		at := *t.RespondedAt
		t.RespondedAt = &at
	}
	return t
}

// NotificationStatus описывает состояние исходящего уведомления.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
	NotificationDeadLetter NotificationStatus = "dead_letter"
)

// WhatsAppNotification описывает исходящее сообщение администратору.
type WhatsAppNotification struct {
	ID                string             `json:"id"`
	RequestID         string             `json:"requestId"`
	Phone             string             `json:"phone"`
	Message           string             `json:"message"`
	Status            NotificationStatus `json:"status"`
	ProviderMessageID string             `json:"providerMessageId,omitempty"`
	RetryCount        int                `json:"retryCount"`
	NextRetryAt       time.Time          `json:"nextRetryAt"`
	LastError         string             `json:"lastError,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	SentAt            *time.Time         `json:"sentAt,omitempty"`
}

// NewWhatsAppNotification создаёт уведомление в статусе pending.
func NewWhatsAppNotification(requestID, phone, message string, now time.Time) *WhatsAppNotification {
	return &WhatsAppNotification{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		Phone:       phone,
		Message:     message,
		Status:      NotificationPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
}

// InboundStatus описывает результат обработки входящего сообщения.
type InboundStatus string

const (
	InboundReceived  InboundStatus = "received"
	InboundProcessed InboundStatus = "processed"
	InboundIgnored   InboundStatus = "ignored"
	InboundFailed    InboundStatus = "failed"
)

// WhatsAppInboundMessage описывает входящее сообщение от администратора.
type WhatsAppInboundMessage struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	Body        string        `json:"body"`
	Status      InboundStatus `json:"status"`
	Action      string        `json:"action,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	RequestID   string        `json:"requestId,omitempty"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	ProcessedAt *time.Time    `json:"processedAt,omitempty"`
}

// Complete фиксирует итог обработки входящего сообщения.
func (m *WhatsAppInboundMessage) Complete(status InboundStatus, action, reason, requestID string, now time.Time) {
	m.Status = status
	m.Action = action
	m.Reason = reason
	if requestID != "" {
		m.RequestID = requestID
	}
	m.ProcessedAt = &now
}
