package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, m *Memory, externalID string, score int) *model.User {
	t.Helper()
	u, err := model.NewUser(externalID, externalID+"@example.com", model.RoleUser, score, testNow)
	require.NoError(t, err)
	require.NoError(t, m.CreateUser(context.Background(), u))
	return u
}

func TestMemoryCreateUserDuplicate(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "ext-1", 600)

	u, err := model.NewUser("ext-1", "", model.RoleUser, 600, testNow)
	require.NoError(t, err)
	err = m.CreateUser(context.Background(), u)
	assert.ErrorIs(t, err, ErrUserExists)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestMemoryInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 600)

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Store) error {
		card, err := model.NewCard(u.ID, "4000001234567899", decimal.NewFromInt(1000), testNow)
		require.NoError(t, err)
		require.NoError(t, tx.CreateCard(ctx, card))

		ev, err := model.NewOutboxEvent(model.EventCardApproved, model.EntityCard, card.ID, card, testNow)
		require.NoError(t, err)
		require.NoError(t, tx.AppendEvent(ctx, ev))
		return boom
	})
	require.ErrorIs(t, err, boom)

	cards, err := m.ListCardsByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, cards)

	events, err := m.ListEventsByStatus(ctx, model.EventStatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryInTxCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 600)

	err := m.InTx(ctx, func(tx Store) error {
		u.SetScore(720, testNow)
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		return tx.InTx(ctx, func(inner Store) error {
			return inner.AppendScore(ctx, model.NewScore(u.ID, 600, 720, "adjust", model.ScoreSourceAdmin, testNow))
		})
	})
	require.NoError(t, err)

	got, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 720, got.CurrentScore)

	history, err := m.ListScoreHistory(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 120, history[0].Delta)
}

func TestMemoryUpdateCardVersionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 600)

	card, err := model.NewCard(u.ID, "4000001234567899", decimal.NewFromInt(1000), testNow)
	require.NoError(t, err)
	require.NoError(t, m.CreateCard(ctx, card))

	first, err := m.GetCard(ctx, card.ID)
	require.NoError(t, err)
	second, err := m.GetCard(ctx, card.ID)
	require.NoError(t, err)

	expected := first.Version
	require.NoError(t, first.Charge(decimal.NewFromInt(100), testNow))
	require.NoError(t, m.UpdateCard(ctx, first, expected))

	require.NoError(t, second.Charge(decimal.NewFromInt(200), testNow))
	err = m.UpdateCard(ctx, second, expected)
	assert.ErrorIs(t, err, ErrVersionConflict)

	stored, err := m.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(100)))
}

func TestMemoryDecideCardRequestOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 400)

	req, err := model.NewCardRequest(u, "key-1", nil, testNow)
	require.NoError(t, err)
	require.NoError(t, m.CreateCardRequest(ctx, req))

	dup, err := model.NewCardRequest(u, "key-1", nil, testNow)
	require.NoError(t, err)
	assert.ErrorIs(t, m.CreateCardRequest(ctx, dup), ErrDuplicateRequest)

	approved := req.Clone()
	require.NoError(t, approved.Approve(model.Decision{Source: model.DecisionSourceAdmin, AdminID: "admin", DecidedAt: testNow}, "card-1"))
	require.NoError(t, m.DecideCardRequest(ctx, &approved))

	rejected := req.Clone()
	require.NoError(t, rejected.Reject(model.Decision{Source: model.DecisionSourceAdmin, AdminID: "other", DecidedAt: testNow}))
	assert.ErrorIs(t, m.DecideCardRequest(ctx, &rejected), ErrRequestNotPending)

	got, err := m.GetCardRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, got.Status)
	assert.Equal(t, "card-1", got.ResultingCardID)
}

func appendEvent(t *testing.T, m *Memory, eventType, entityID string, at time.Time) *model.OutboxEvent {
	t.Helper()
	ev, err := model.NewOutboxEvent(eventType, model.EntityCard, entityID, map[string]string{"id": entityID}, at)
	require.NoError(t, err)
	require.NoError(t, m.AppendEvent(context.Background(), ev))
	return ev
}

func TestMemoryAppendEventAssignsSequence(t *testing.T) {
	m := NewMemory()
	a1 := appendEvent(t, m, model.EventCardApproved, "a", testNow)
	a2 := appendEvent(t, m, model.EventPurchaseRecorded, "a", testNow)
	b1 := appendEvent(t, m, model.EventCardApproved, "b", testNow)

	assert.Equal(t, int64(1), a1.SequenceNumber)
	assert.Equal(t, int64(2), a2.SequenceNumber)
	assert.Equal(t, int64(1), b1.SequenceNumber)
}

func TestMemoryListDueEventsRespectsEntityOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a1 := appendEvent(t, m, model.EventCardApproved, "a", testNow)
	a2 := appendEvent(t, m, model.EventPurchaseRecorded, "a", testNow.Add(time.Second))
	b1 := appendEvent(t, m, model.EventCardApproved, "b", testNow.Add(2*time.Second))

	due, err := m.ListDueEvents(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{a1.ID, a2.ID, b1.ID}, []string{due[0].ID, due[1].ID, due[2].ID})

	// Неудачная попытка откладывает a1, и a2 не должно обгонять его.
	a1.Status = model.EventStatusFailed
	a1.RetryCount = 1
	a1.NextRetryAt = testNow.Add(10 * time.Minute)
	require.NoError(t, m.UpdateEventDelivery(ctx, a1))

	due, err = m.ListDueEvents(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, b1.ID, due[0].ID)

	// Событие в dead_letter больше не блокирует последующие.
	a1.Status = model.EventStatusDeadLetter
	require.NoError(t, m.UpdateEventDelivery(ctx, a1))

	due, err = m.ListDueEvents(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, a2.ID, due[0].ID)
}

func TestMemoryIdempotencyRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := &model.IdempotencyRecord{
		ActorID:    "u1",
		KeyHash:    "hash",
		Operation:  "request_card",
		Response:   []byte(`{"ok":true}`),
		StatusCode: 201,
		CreatedAt:  testNow,
		ExpiresAt:  testNow.Add(24 * time.Hour),
	}
	require.NoError(t, m.CreateIdempotencyRecord(ctx, rec))
	assert.ErrorIs(t, m.CreateIdempotencyRecord(ctx, rec), ErrIdempotencyExists)

	_, err := m.GetIdempotencyRecord(ctx, "u2", "hash")
	assert.ErrorIs(t, err, ErrIdempotencyNotFound)

	n, err := m.PurgeExpiredIdempotencyRecords(ctx, testNow.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryInboundDeduplication(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	msg := &model.WhatsAppInboundMessage{ID: "wamid-1", From: "79990001122", Body: "Y ABCD1234", Status: model.InboundReceived, ReceivedAt: testNow}
	created, err := m.CreateInboundMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.CreateInboundMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMemoryDeleteUserCascade(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 400)
	other := seedUser(t, m, "ext-2", 400)

	req, err := model.NewCardRequest(u, "key-1", nil, testNow)
	require.NoError(t, err)
	require.NoError(t, m.CreateCardRequest(ctx, req))
	require.NoError(t, m.CreatePendingApproval(ctx, model.NewPendingApprovalTracker(req, time.Hour, testNow)))
	require.NoError(t, m.CreateNotification(ctx, model.NewWhatsAppNotification(req.ID, "79990001122", "hi", testNow)))
	require.NoError(t, m.AppendScore(ctx, model.NewScore(u.ID, 400, 420, "payment", model.ScoreSourcePayment, testNow)))
	require.NoError(t, m.AppendScore(ctx, model.NewScore(other.ID, 400, 420, "payment", model.ScoreSourcePayment, testNow)))

	require.NoError(t, m.DeleteUserCascade(ctx, u.ID))

	_, err = m.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = m.GetCardRequest(ctx, req.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	_, err = m.GetPendingApproval(ctx, req.ID)
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	notifications, err := m.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, notifications)

	history, err := m.ListScoreHistory(ctx, other.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryExpirePendingApproval(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := seedUser(t, m, "ext-1", 400)

	pending, err := model.NewCardRequest(u, "key-1", nil, testNow)
	require.NoError(t, err)
	require.NoError(t, m.CreatePendingApproval(ctx, model.NewPendingApprovalTracker(pending, time.Hour, testNow)))

	decided, err := model.NewCardRequest(u, "key-2", nil, testNow)
	require.NoError(t, err)
	tracker := model.NewPendingApprovalTracker(decided, time.Hour, testNow)
	require.NoError(t, m.CreatePendingApproval(ctx, tracker))
	require.NoError(t, tracker.Resolve(model.ApprovalApproved, "+15551234567", testNow.Add(2*time.Hour)))
	require.NoError(t, m.UpdatePendingApproval(ctx, tracker))

	later := testNow.Add(2 * time.Hour)

	ok, err := m.ExpirePendingApproval(ctx, pending.ID, testNow)
	require.NoError(t, err)
	assert.False(t, ok, "not yet due")

	ok, err = m.ExpirePendingApproval(ctx, pending.ID, later)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ExpirePendingApproval(ctx, decided.ID, later)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetPendingApproval(ctx, decided.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.ApprovalStatus)
	assert.Equal(t, "+15551234567", got.RespondedBy)

	_, err = m.ExpirePendingApproval(ctx, "missing", later)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}
