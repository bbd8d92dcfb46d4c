// Package repository содержит контракты хранилища и их реализации: в памяти и в PostgreSQL.
package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
)

// Ошибки хранилища.
var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим внешним идентификатором.
	ErrUserExists = model.Conflict("USER_EXISTS", "user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = model.NotFound(model.CodeUserNotFound, "user not found")
	// ErrCardNotFound возвращается, если карта не найдена.
	ErrCardNotFound = model.NotFound(model.CodeCardNotFound, "card not found")
	// ErrRequestNotFound возвращается, если заявка не найдена.
	ErrRequestNotFound = model.NotFound(model.CodeRequestNotFound, "card request not found")
	// ErrDuplicateRequest возвращается, если заявка с таким ключом уже существует.
	ErrDuplicateRequest = model.Conflict("DUPLICATE_REQUEST", "card request with this key already exists")
	// ErrRequestNotPending возвращается при попытке принять решение по уже рассмотренной заявке.
	ErrRequestNotPending = model.Conflict(model.CodeRequestNotPending, "card request is not pending")
	// ErrVersionConflict возвращается, если версия карты изменилась с момента чтения.
	ErrVersionConflict = model.Conflict(model.CodeVersionConflict, "card was modified concurrently")
	// ErrTransactionNotFound возвращается, если операция не найдена.
	ErrTransactionNotFound = model.NotFound("TRANSACTION_NOT_FOUND", "transaction not found")
	// ErrDuplicateTransaction возвращается, если операция с таким ключом уже записана.
	ErrDuplicateTransaction = model.Conflict("DUPLICATE_TRANSACTION", "transaction with this key already exists")
	// ErrEventNotFound возвращается, если событие не найдено.
	ErrEventNotFound = model.NotFound(model.CodeEventNotFound, "outbox event not found")
	// ErrIdempotencyNotFound возвращается, если закэшированного ответа нет.
	ErrIdempotencyNotFound = model.NotFound("IDEMPOTENCY_RECORD_NOT_FOUND", "idempotency record not found")
	// ErrIdempotencyExists возвращается, если ответ с таким ключом уже сохранён.
	ErrIdempotencyExists = model.Conflict(model.CodeIdempotencyInFlight, "idempotency record already exists")
	// ErrApprovalNotFound возвращается, если трекер согласования не найден.
	ErrApprovalNotFound = model.NotFound("APPROVAL_NOT_FOUND", "pending approval not found")
	// ErrApprovalExists возвращается, если трекер для заявки уже создан.
	ErrApprovalExists = model.Conflict("APPROVAL_EXISTS", "pending approval already exists")
	// ErrNotificationNotFound возвращается, если уведомление не найдено.
	ErrNotificationNotFound = model.NotFound("NOTIFICATION_NOT_FOUND", "notification not found")
	// ErrInboundNotFound возвращается, если входящее сообщение не найдено.
	ErrInboundNotFound = model.NotFound("INBOUND_MESSAGE_NOT_FOUND", "inbound message not found")
	// ErrTokenNotFound возвращается, если токен подтверждения не найден.
	ErrTokenNotFound = model.NotFound(model.CodeTokenInvalid, "confirmation token not found")
)

// UserRepository описывает доступ к пользователям.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error
	// LockUser сериализует конкурентные команды одного пользователя до конца транзакции.
	LockUser(ctx context.Context, id string) error
	DeleteUserCascade(ctx context.Context, id string) error
}

// CardRepository описывает доступ к картам.
type CardRepository interface {
	GetCard(ctx context.Context, id string) (*model.Card, error)
	ListCardsByUser(ctx context.Context, userID string) ([]model.Card, error)
	CreateCard(ctx context.Context, c *model.Card) error
	// UpdateCard сохраняет карту, только если хранимая версия равна expectedVersion.
	UpdateCard(ctx context.Context, c *model.Card, expectedVersion int64) error
}

// CardRequestRepository описывает доступ к заявкам.
type CardRequestRepository interface {
	GetCardRequest(ctx context.Context, id string) (*model.CardRequest, error)
	GetCardRequestByKey(ctx context.Context, userID, key string) (*model.CardRequest, error)
	ListCardRequestsByUser(ctx context.Context, userID string) ([]model.CardRequest, error)
	ListPendingCardRequests(ctx context.Context, limit int) ([]model.CardRequest, error)
	CreateCardRequest(ctx context.Context, r *model.CardRequest) error
	// DecideCardRequest сохраняет решение, только если заявка всё ещё в статусе pending.
	DecideCardRequest(ctx context.Context, r *model.CardRequest) error
}

// TransactionRepository описывает доступ к операциям по картам.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransactionByKey(ctx context.Context, cardID, key string) (*model.Transaction, error)
	ListTransactionsByCard(ctx context.Context, cardID string, limit int) ([]model.Transaction, error)
}

// ScoreRepository описывает доступ к истории рейтинга.
type ScoreRepository interface {
	AppendScore(ctx context.Context, s model.Score) error
	ListScoreHistory(ctx context.Context, userID string, limit int) ([]model.Score, error)
}

// OutboxRepository описывает доступ к исходящим событиям.
type OutboxRepository interface {
	// AppendEvent сохраняет событие, назначая ему следующий номер последовательности сущности.
	AppendEvent(ctx context.Context, e *model.OutboxEvent) error
	GetEvent(ctx context.Context, id string) (*model.OutboxEvent, error)
	// ListDueEvents возвращает события, готовые к доставке, без обгона недоставленных предшественников.
	ListDueEvents(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error)
	ListEventsByEntity(ctx context.Context, entityID string) ([]model.OutboxEvent, error)
	ListEventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]model.OutboxEvent, error)
	UpdateEventDelivery(ctx context.Context, e *model.OutboxEvent) error
}

// IdempotencyRepository описывает доступ к закэшированным ответам.
type IdempotencyRepository interface {
	GetIdempotencyRecord(ctx context.Context, actorID, keyHash string) (*model.IdempotencyRecord, error)
	CreateIdempotencyRecord(ctx context.Context, r *model.IdempotencyRecord) error
	DeleteIdempotencyRecord(ctx context.Context, actorID, keyHash string) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepository описывает доступ к журналу действий администраторов.
type AuditRepository interface {
	AppendAudit(ctx context.Context, a *model.AuditLog) error
	ListAuditByTarget(ctx context.Context, targetType, targetID string) ([]model.AuditLog, error)
}

// PendingApprovalRepository описывает доступ к трекерам удалённого согласования.
type PendingApprovalRepository interface {
	CreatePendingApproval(ctx context.Context, t *model.PendingApprovalTracker) error
	GetPendingApproval(ctx context.Context, requestID string) (*model.PendingApprovalTracker, error)
	FindPendingApprovalsByShortID(ctx context.Context, shortID string) ([]model.PendingApprovalTracker, error)
	UpdatePendingApproval(ctx context.Context, t *model.PendingApprovalTracker) error
	// ExpirePendingApproval переводит трекер в expired, только если он ещё ожидает ответа и срок истёк.
	ExpirePendingApproval(ctx context.Context, requestID string, now time.Time) (bool, error)
	ListExpiredPendingApprovals(ctx context.Context, now time.Time, limit int) ([]model.PendingApprovalTracker, error)
}

// WhatsAppNotificationRepository описывает доступ к исходящим уведомлениям.
type WhatsAppNotificationRepository interface {
	CreateNotification(ctx context.Context, n *model.WhatsAppNotification) error
	UpdateNotification(ctx context.Context, n *model.WhatsAppNotification) error
	ListNotificationsForRetry(ctx context.Context, now time.Time, limit int) ([]model.WhatsAppNotification, error)
	ListNotificationsByRequest(ctx context.Context, requestID string) ([]model.WhatsAppNotification, error)
}

// WhatsAppInboundRepository описывает доступ к входящим сообщениям.
type WhatsAppInboundRepository interface {
	// CreateInboundMessage сохраняет сообщение и сообщает, было ли оно новым.
	CreateInboundMessage(ctx context.Context, m *model.WhatsAppInboundMessage) (bool, error)
	GetInboundMessage(ctx context.Context, id string) (*model.WhatsAppInboundMessage, error)
	UpdateInboundMessage(ctx context.Context, m *model.WhatsAppInboundMessage) error
}

// ConfirmationTokenRepository описывает доступ к токенам подтверждения.
type ConfirmationTokenRepository interface {
	CreateConfirmationToken(ctx context.Context, t *model.ConfirmationToken) error
	GetConfirmationToken(ctx context.Context, tokenHash string) (*model.ConfirmationToken, error)
	DeleteConfirmationToken(ctx context.Context, tokenHash string) error
}

// Store объединяет все репозитории и позволяет выполнять их в одной единице работы.
type Store interface {
	UserRepository
	CardRepository
	CardRequestRepository
	TransactionRepository
	ScoreRepository
	OutboxRepository
	IdempotencyRepository
	AuditRepository
	PendingApprovalRepository
	WhatsAppNotificationRepository
	WhatsAppInboundRepository
	ConfirmationTokenRepository

	// InTx выполняет fn атомарно. Вложенные вызовы выполняются в уже открытой транзакции.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
