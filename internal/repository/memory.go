package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
)

type memState struct {
	users         map[string]model.User
	cards         map[string]model.Card
	requests      map[string]model.CardRequest
	transactions  map[string]model.Transaction
	scores        []model.Score
	events        map[string]model.OutboxEvent
	eventOrder    []string
	sequences     map[string]int64
	idempotency   map[string]model.IdempotencyRecord
	audit         []model.AuditLog
	approvals     map[string]model.PendingApprovalTracker
	notifications map[string]model.WhatsAppNotification
	notifyOrder   []string
	inbound       map[string]model.WhatsAppInboundMessage
	tokens        map[string]model.ConfirmationToken
}

func newMemState() *memState {
	return &memState{
		users:         make(map[string]model.User),
		cards:         make(map[string]model.Card),
		requests:      make(map[string]model.CardRequest),
		transactions:  make(map[string]model.Transaction),
		events:        make(map[string]model.OutboxEvent),
		sequences:     make(map[string]int64),
		idempotency:   make(map[string]model.IdempotencyRecord),
		approvals:     make(map[string]model.PendingApprovalTracker),
		notifications: make(map[string]model.WhatsAppNotification),
		inbound:       make(map[string]model.WhatsAppInboundMessage),
		tokens:        make(map[string]model.ConfirmationToken),
	}
}

// Значения в картах хранятся клонированными и не изменяются на месте,
// поэтому поверхностной копии достаточно для изоляции транзакции.
func (s *memState) clone() *memState {
	return &memState{
		users:         maps.Clone(s.users),
		cards:         maps.Clone(s.cards),
		requests:      maps.Clone(s.requests),
		transactions:  maps.Clone(s.transactions),
		scores:        slices.Clone(s.scores),
		events:        maps.Clone(s.events),
		eventOrder:    slices.Clone(s.eventOrder),
		sequences:     maps.Clone(s.sequences),
		idempotency:   maps.Clone(s.idempotency),
		audit:         slices.Clone(s.audit),
		approvals:     maps.Clone(s.approvals),
		notifications: maps.Clone(s.notifications),
		notifyOrder:   slices.Clone(s.notifyOrder),
		inbound:       maps.Clone(s.inbound),
		tokens:        maps.Clone(s.tokens),
	}
}

// Memory реализует Store в памяти процесса. Транзакции выполняются над копией
// состояния и применяются целиком при успешном завершении.
type Memory struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory() *Memory {
	return &Memory{mu: &sync.Mutex{}, state: newMemState()}
}

var _ Store = (*Memory)(nil)

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// InTx выполняет fn над копией состояния и фиксирует её, если fn не вернула ошибку.
func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Memory{mu: m.mu, state: m.state.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// Close ничего не делает.
func (m *Memory) Close() error { return nil }

func idempotencyKey(actorID, keyHash string) string {
	return actorID + "\x00" + keyHash
}

// Пользователи

func (m *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	defer m.lock()()
	u, ok := m.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) GetUserByExternalID(_ context.Context, externalID string) (*model.User, error) {
	defer m.lock()()
	for _, u := range m.state.users {
		if u.ExternalID == externalID {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *Memory) CreateUser(_ context.Context, u *model.User) error {
	defer m.lock()()
	for _, existing := range m.state.users {
		if existing.ExternalID == u.ExternalID {
			return ErrUserExists
		}
	}
	m.state.users[u.ID] = *u
	return nil
}

func (m *Memory) UpdateUser(_ context.Context, u *model.User) error {
	defer m.lock()()
	if _, ok := m.state.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	m.state.users[u.ID] = *u
	return nil
}

// LockUser только проверяет существование пользователя: транзакции в памяти уже сериализованы.
func (m *Memory) LockUser(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.state.users[id]; !ok {
		return ErrUserNotFound
	}
	return nil
}

func (m *Memory) DeleteUserCascade(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.state.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.state.users, id)

	cards := make(map[string]bool)
	for cid, c := range m.state.cards {
		if c.UserID == id {
			cards[cid] = true
			delete(m.state.cards, cid)
		}
	}
	for tid, t := range m.state.transactions {
		if cards[t.CardID] {
			delete(m.state.transactions, tid)
		}
	}
	requests := make(map[string]bool)
	for rid, r := range m.state.requests {
		if r.UserID == id {
			requests[rid] = true
			delete(m.state.requests, rid)
		}
	}
	for rid := range requests {
		delete(m.state.approvals, rid)
	}
	m.state.notifyOrder = slices.DeleteFunc(m.state.notifyOrder, func(nid string) bool {
		if requests[m.state.notifications[nid].RequestID] {
			delete(m.state.notifications, nid)
			return true
		}
		return false
	})
	m.state.scores = slices.DeleteFunc(m.state.scores, func(s model.Score) bool {
		return s.UserID == id
	})
	return nil
}

// Карты

func (m *Memory) GetCard(_ context.Context, id string) (*model.Card, error) {
	defer m.lock()()
	c, ok := m.state.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	c = c.Clone()
	return &c, nil
}

func (m *Memory) ListCardsByUser(_ context.Context, userID string) ([]model.Card, error) {
	defer m.lock()()
	var out []model.Card
	for _, c := range m.state.cards {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateCard(_ context.Context, c *model.Card) error {
	defer m.lock()()
	m.state.cards[c.ID] = c.Clone()
	return nil
}

func (m *Memory) UpdateCard(_ context.Context, c *model.Card, expectedVersion int64) error {
	defer m.lock()()
	stored, ok := m.state.cards[c.ID]
	if !ok {
		return ErrCardNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.state.cards[c.ID] = c.Clone()
	return nil
}

// Заявки

func (m *Memory) GetCardRequest(_ context.Context, id string) (*model.CardRequest, error) {
	defer m.lock()()
	r, ok := m.state.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	r = r.Clone()
	return &r, nil
}

func (m *Memory) GetCardRequestByKey(_ context.Context, userID, key string) (*model.CardRequest, error) {
	defer m.lock()()
	for _, r := range m.state.requests {
		if r.UserID == userID && r.IdempotencyKey == key {
			r = r.Clone()
			return &r, nil
		}
	}
	return nil, ErrRequestNotFound
}

func (m *Memory) ListCardRequestsByUser(_ context.Context, userID string) ([]model.CardRequest, error) {
	defer m.lock()()
	var out []model.CardRequest
	for _, r := range m.state.requests {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	sortRequestsNewestFirst(out)
	return out, nil
}

func (m *Memory) ListPendingCardRequests(_ context.Context, limit int) ([]model.CardRequest, error) {
	defer m.lock()()
	var out []model.CardRequest
	for _, r := range m.state.requests {
		if r.IsPending() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *Memory) CreateCardRequest(_ context.Context, r *model.CardRequest) error {
	defer m.lock()()
	for _, existing := range m.state.requests {
		if existing.UserID == r.UserID && existing.IdempotencyKey == r.IdempotencyKey {
			return ErrDuplicateRequest
		}
	}
	m.state.requests[r.ID] = r.Clone()
	return nil
}

func (m *Memory) DecideCardRequest(_ context.Context, r *model.CardRequest) error {
	defer m.lock()()
	stored, ok := m.state.requests[r.ID]
	if !ok {
		return ErrRequestNotFound
	}
	if !stored.IsPending() {
		return ErrRequestNotPending
	}
	m.state.requests[r.ID] = r.Clone()
	return nil
}

// Операции

func (m *Memory) CreateTransaction(_ context.Context, t *model.Transaction) error {
	defer m.lock()()
	for _, existing := range m.state.transactions {
		if existing.CardID == t.CardID && existing.IdempotencyKey == t.IdempotencyKey {
			return ErrDuplicateTransaction
		}
	}
	m.state.transactions[t.ID] = *t
	return nil
}

func (m *Memory) GetTransactionByKey(_ context.Context, cardID, key string) (*model.Transaction, error) {
	defer m.lock()()
	for _, t := range m.state.transactions {
		if t.CardID == cardID && t.IdempotencyKey == key {
			return &t, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *Memory) ListTransactionsByCard(_ context.Context, cardID string, limit int) ([]model.Transaction, error) {
	defer m.lock()()
	var out []model.Transaction
	for _, t := range m.state.transactions {
		if t.CardID == cardID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// История рейтинга

func (m *Memory) AppendScore(_ context.Context, s model.Score) error {
	defer m.lock()()
	m.state.scores = append(m.state.scores, s)
	return nil
}

func (m *Memory) ListScoreHistory(_ context.Context, userID string, limit int) ([]model.Score, error) {
	defer m.lock()()
	var out []model.Score
	for i := len(m.state.scores) - 1; i >= 0; i-- {
		if m.state.scores[i].UserID == userID {
			out = append(out, m.state.scores[i])
		}
	}
	return truncate(out, limit), nil
}

// Исходящие события

func (m *Memory) AppendEvent(_ context.Context, e *model.OutboxEvent) error {
	defer m.lock()()
	m.state.sequences[e.EntityID]++
	e.SequenceNumber = m.state.sequences[e.EntityID]
	m.state.events[e.ID] = *e
	m.state.eventOrder = append(m.state.eventOrder, e.ID)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*model.OutboxEvent, error) {
	defer m.lock()()
	e, ok := m.state.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &e, nil
}

func (m *Memory) ListDueEvents(_ context.Context, now time.Time, limit int) ([]model.OutboxEvent, error) {
	defer m.lock()()

	// Сущности, у которых есть недоставленное событие, ещё не готовое к повтору.
	blocked := make(map[string]int64)
	for _, id := range m.state.eventOrder {
		e := m.state.events[id]
		if e.Undelivered() && !e.Deliverable(now) {
			if seq, ok := blocked[e.EntityID]; !ok || e.SequenceNumber < seq {
				blocked[e.EntityID] = e.SequenceNumber
			}
		}
	}

	var out []model.OutboxEvent
	for _, id := range m.state.eventOrder {
		e := m.state.events[id]
		if !e.Deliverable(now) {
			continue
		}
		if seq, ok := blocked[e.EntityID]; ok && seq < e.SequenceNumber {
			continue
		}
		out = append(out, e)
	}
	sortEvents(out)
	return truncate(out, limit), nil
}

func (m *Memory) ListEventsByEntity(_ context.Context, entityID string) ([]model.OutboxEvent, error) {
	defer m.lock()()
	var out []model.OutboxEvent
	for _, id := range m.state.eventOrder {
		if e := m.state.events[id]; e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *Memory) ListEventsByStatus(_ context.Context, status model.EventStatus, limit int) ([]model.OutboxEvent, error) {
	defer m.lock()()
	var out []model.OutboxEvent
	for _, id := range m.state.eventOrder {
		if e := m.state.events[id]; e.Status == status {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return truncate(out, limit), nil
}

func (m *Memory) UpdateEventDelivery(_ context.Context, e *model.OutboxEvent) error {
	defer m.lock()()
	stored, ok := m.state.events[e.ID]
	if !ok {
		return ErrEventNotFound
	}
	stored.Status = e.Status
	stored.RetryCount = e.RetryCount
	stored.NextRetryAt = e.NextRetryAt
	stored.LastError = e.LastError
	stored.SentAt = e.SentAt
	m.state.events[e.ID] = stored
	return nil
}

// Идемпотентность

func (m *Memory) GetIdempotencyRecord(_ context.Context, actorID, keyHash string) (*model.IdempotencyRecord, error) {
	defer m.lock()()
	r, ok := m.state.idempotency[idempotencyKey(actorID, keyHash)]
	if !ok {
		return nil, ErrIdempotencyNotFound
	}
	return &r, nil
}

func (m *Memory) CreateIdempotencyRecord(_ context.Context, r *model.IdempotencyRecord) error {
	defer m.lock()()
	key := idempotencyKey(r.ActorID, r.KeyHash)
	if _, ok := m.state.idempotency[key]; ok {
		return ErrIdempotencyExists
	}
	m.state.idempotency[key] = *r
	return nil
}

func (m *Memory) DeleteIdempotencyRecord(_ context.Context, actorID, keyHash string) error {
	defer m.lock()()
	delete(m.state.idempotency, idempotencyKey(actorID, keyHash))
	return nil
}

func (m *Memory) PurgeExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	defer m.lock()()
	var n int64
	for k, r := range m.state.idempotency {
		if r.Expired(now) {
			delete(m.state.idempotency, k)
			n++
		}
	}
	return n, nil
}

// Аудит

func (m *Memory) AppendAudit(_ context.Context, a *model.AuditLog) error {
	defer m.lock()()
	m.state.audit = append(m.state.audit, *a)
	return nil
}

func (m *Memory) ListAuditByTarget(_ context.Context, targetType, targetID string) ([]model.AuditLog, error) {
	defer m.lock()()
	var out []model.AuditLog
	for _, a := range m.state.audit {
		if a.TargetType == targetType && a.TargetID == targetID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Удалённое согласование

func (m *Memory) CreatePendingApproval(_ context.Context, t *model.PendingApprovalTracker) error {
	defer m.lock()()
	if _, ok := m.state.approvals[t.RequestID]; ok {
		return ErrApprovalExists
	}
	m.state.approvals[t.RequestID] = t.Clone()
	return nil
}

func (m *Memory) GetPendingApproval(_ context.Context, requestID string) (*model.PendingApprovalTracker, error) {
	defer m.lock()()
	t, ok := m.state.approvals[requestID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	t = t.Clone()
	return &t, nil
}

func (m *Memory) FindPendingApprovalsByShortID(_ context.Context, shortID string) ([]model.PendingApprovalTracker, error) {
	defer m.lock()()
	var out []model.PendingApprovalTracker
	for _, t := range m.state.approvals {
		if t.ShortID == shortID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdatePendingApproval(_ context.Context, t *model.PendingApprovalTracker) error {
	defer m.lock()()
	if _, ok := m.state.approvals[t.RequestID]; !ok {
		return ErrApprovalNotFound
	}
	m.state.approvals[t.RequestID] = t.Clone()
	return nil
}

func (m *Memory) ExpirePendingApproval(_ context.Context, requestID string, now time.Time) (bool, error) {
	defer m.lock()()
	t, ok := m.state.approvals[requestID]
	if !ok {
		return false, ErrApprovalNotFound
	}
	t = t.Clone()
	if !t.Expire(now) {
		return false, nil
	}
	m.state.approvals[requestID] = t
	return true, nil
}

func (m *Memory) ListExpiredPendingApprovals(_ context.Context, now time.Time, limit int) ([]model.PendingApprovalTracker, error) {
	defer m.lock()()
	var out []model.PendingApprovalTracker
	for _, t := range m.state.approvals {
		if !t.IsTerminal() && !now.Before(t.ExpiresAt) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

// Уведомления

func (m *Memory) CreateNotification(_ context.Context, n *model.WhatsAppNotification) error {
	defer m.lock()()
	m.state.notifications[n.ID] = *n
	m.state.notifyOrder = append(m.state.notifyOrder, n.ID)
	return nil
}

func (m *Memory) UpdateNotification(_ context.Context, n *model.WhatsAppNotification) error {
	defer m.lock()()
	if _, ok := m.state.notifications[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	m.state.notifications[n.ID] = *n
	return nil
}

func (m *Memory) ListNotificationsForRetry(_ context.Context, now time.Time, limit int) ([]model.WhatsAppNotification, error) {
	defer m.lock()()
	var out []model.WhatsAppNotification
	for _, id := range m.state.notifyOrder {
		n := m.state.notifications[id]
		if (n.Status == model.NotificationPending || n.Status == model.NotificationFailed) && !n.NextRetryAt.After(now) {
			out = append(out, n)
		}
	}
	return truncate(out, limit), nil
}

func (m *Memory) ListNotificationsByRequest(_ context.Context, requestID string) ([]model.WhatsAppNotification, error) {
	defer m.lock()()
	var out []model.WhatsAppNotification
	for _, id := range m.state.notifyOrder {
		if n := m.state.notifications[id]; n.RequestID == requestID {
			out = append(out, n)
		}
	}
	return out, nil
}

// Входящие сообщения

func (m *Memory) CreateInboundMessage(_ context.Context, msg *model.WhatsAppInboundMessage) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.inbound[msg.ID]; ok {
		return false, nil
	}
	m.state.inbound[msg.ID] = *msg
	return true, nil
}

func (m *Memory) GetInboundMessage(_ context.Context, id string) (*model.WhatsAppInboundMessage, error) {
	defer m.lock()()
	msg, ok := m.state.inbound[id]
	if !ok {
		return nil, ErrInboundNotFound
	}
	return &msg, nil
}

func (m *Memory) UpdateInboundMessage(_ context.Context, msg *model.WhatsAppInboundMessage) error {
	defer m.lock()()
	if _, ok := m.state.inbound[msg.ID]; !ok {
		return ErrInboundNotFound
	}
	m.state.inbound[msg.ID] = *msg
	return nil
}

// Токены подтверждения

func (m *Memory) CreateConfirmationToken(_ context.Context, t *model.ConfirmationToken) error {
	defer m.lock()()
	m.state.tokens[t.TokenHash] = *t
	return nil
}

func (m *Memory) GetConfirmationToken(_ context.Context, tokenHash string) (*model.ConfirmationToken, error) {
	defer m.lock()()
	t, ok := m.state.tokens[tokenHash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &t, nil
}

func (m *Memory) DeleteConfirmationToken(_ context.Context, tokenHash string) error {
	defer m.lock()()
	delete(m.state.tokens, tokenHash)
	return nil
}

func sortRequestsNewestFirst(rs []model.CardRequest) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}

func sortEvents(es []model.OutboxEvent) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].SequenceNumber < es[j].SequenceNumber
	})
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
