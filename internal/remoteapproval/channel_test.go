package remoteapproval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/service"
	"github.com/mmeshcher/cardservice/internal/whatsapp"
)

const (
	adminPhone = "+15551234567"
	otherAdmin = "+15557654321"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	Phone string
	Text  string
}

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []sentMessage
}

func (s *fakeSender) Send(_ context.Context, phone, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("gateway unavailable")
	}
	s.sent = append(s.sent, sentMessage{Phone: phone, Text: text})
	return fmt.Sprintf("wamid-%d", len(s.sent)), nil
}

func (s *fakeSender) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type failingApprover struct {
	calls int
}

func (a *failingApprover) AdminApprove(context.Context, service.Command, string, service.AdminApproveInput) (*service.Outcome[service.DecisionResult], error) {
	a.calls++
	return nil, errors.New("database unavailable")
}

func (a *failingApprover) AdminReject(context.Context, service.Command, string, service.AdminRejectInput) (*service.Outcome[service.DecisionResult], error) {
	a.calls++
	return nil, errors.New("database unavailable")
}

type fixture struct {
	store    *repository.Memory
	clock    *testClock
	sender   *fakeSender
	svc      *service.Service
	notifier *Notifier
	channel  *Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemory(),
		clock:  &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		sender: &fakeSender{},
	}
	whitelist := NewWhitelist([]string{adminPhone, otherAdmin})
	f.svc = service.New(service.Deps{Store: f.store, Clock: f.clock.Now})
	f.notifier = NewNotifier(f.store, f.sender, whitelist, nil, WithNotifierClock(f.clock.Now))
	f.svc.SetNotifier(f.notifier)
	f.channel = NewChannel(f.store, f.svc, f.sender, whitelist, nil)
	f.channel.SetClock(f.clock.Now)
	return f
}

// pendingRequest создаёт пользователя с низким рейтингом и его заявку, ожидающую решения.
func (f *fixture) pendingRequest(t *testing.T, externalID string) *model.CardRequest {
	t.Helper()
	ctx := context.Background()
	u, err := f.svc.EnsureUser(ctx, service.Identity{ExternalID: externalID, Email: externalID + "@example.com"})
	require.NoError(t, err)
	u.SetScore(420, f.clock.Now())
	require.NoError(t, f.store.UpdateUser(ctx, u))

	out, err := f.svc.RequestCard(ctx, service.Command{Actor: service.Actor{ID: u.ID}, IdempotencyKey: "req-" + externalID}, service.RequestCardInput{})
	require.NoError(t, err)
	require.Equal(t, 202, out.StatusCode)
	return &out.Body.Request
}

func message(id, from, body string) whatsapp.WebhookEvent {
	return whatsapp.WebhookEvent{
		Event:   whatsapp.EventMessage,
		Session: "default",
		Data:    whatsapp.MessageData{ID: id, From: from, Body: body},
	}
}

func TestPendingRequestNotifiesAdmins(t *testing.T) {
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	tracker, err := f.store.GetPendingApproval(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, tracker.ApprovalStatus)
	assert.Equal(t, req.ShortID(), tracker.ShortID)
	assert.Len(t, tracker.NotificationIDs, 2)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), tracker.ExpiresAt)

	require.Equal(t, 2, f.sender.count())
	assert.Equal(t, adminPhone, f.sender.sent[0].Phone)
	assert.Contains(t, f.sender.sent[0].Text, req.ShortID())
	assert.Contains(t, f.sender.sent[0].Text, req.ID)
	assert.Contains(t, f.sender.sent[0].Text, "u1@example.com")

	notes, err := f.store.ListNotificationsByRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, model.NotificationSent, n.Status)
		assert.NotEmpty(t, n.ProviderMessageID)
	}
}

func TestApproveViaWhatsApp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	resp := f.channel.HandleWebhook(ctx, message("m1", "15551234567@c.us", "yes "+req.ShortID()))
	assert.Equal(t, WebhookResponse{OK: true, Action: ActionApproved, RequestID: req.ID}, resp)

	got, err := f.store.GetCardRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, model.DecisionSourceAdmin, got.Decision.Source)
	assert.Equal(t, ActorPrefix+adminPhone, got.Decision.AdminID)

	cards, err := f.store.ListCardsByUser(ctx, req.UserID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "500", cards[0].Limit.String())

	tracker, err := f.store.GetPendingApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, tracker.ApprovalStatus)
	assert.Equal(t, adminPhone, tracker.RespondedBy)

	inbound, err := f.store.GetInboundMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundProcessed, inbound.Status)
	assert.Equal(t, req.ID, inbound.RequestID)

	// Два уведомления и подтверждение.
	assert.Equal(t, 3, f.sender.count())

	// Повторная доставка того же вебхука не применяет решение второй раз.
	again := f.channel.HandleWebhook(ctx, message("m1", "15551234567@c.us", "yes "+req.ShortID()))
	assert.True(t, again.OK)
	assert.Equal(t, ActionIgnored, again.Action)
	assert.Equal(t, ReasonAlreadyProcessed, again.Reason)
	assert.Equal(t, req.ID, again.RequestID)
	assert.Equal(t, 3, f.sender.count())

	// Второй администратор опоздал.
	late := f.channel.HandleWebhook(ctx, message("m2", "15557654321@c.us", "no "+req.ShortID()))
	assert.Equal(t, ActionIgnored, late.Action)
	assert.Equal(t, ReasonAlreadyProcessed, late.Reason)

	cards, err = f.store.ListCardsByUser(ctx, req.UserID)
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestRejectByFullID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	resp := f.channel.HandleWebhook(ctx, message("m1", adminPhone, "N "+req.ID))
	assert.Equal(t, ActionRejected, resp.Action)
	assert.True(t, resp.OK)

	got, err := f.store.GetCardRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusRejected, got.Status)

	tracker, err := f.store.GetPendingApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, tracker.ApprovalStatus)
}

func TestWebhookIgnoredReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	group := message("g1", "120363@g.us", "yes "+req.ShortID())
	group.Data.IsGroupMsg = true
	self := message("s1", adminPhone, "yes "+req.ShortID())
	self.Data.FromMe = true

	tests := []struct {
		name   string
		event  whatsapp.WebhookEvent
		reason string
	}{
		{"not a message", whatsapp.WebhookEvent{Event: "session.status"}, ReasonNotMessage},
		{"from me", self, ReasonFromMe},
		{"group", group, ReasonGroupMessage},
		{"stranger", message("x1", "+19990000000", "yes "+req.ShortID()), ReasonNotWhitelisted},
		{"garbage", message("x2", adminPhone, "hello there"), ReasonInvalidCommand},
		{"verb only", message("x3", adminPhone, "yes"), ReasonInvalidCommand},
		{"unknown short id", message("x4", adminPhone, "yes ZZZZZZZZ"), ReasonRequestNotFound},
		{"unknown full id", message("x5", adminPhone, "yes 00000000-0000-0000-0000-000000000000"), ReasonRequestNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.channel.HandleWebhook(ctx, tt.event)
			assert.True(t, resp.OK)
			assert.Equal(t, ActionIgnored, resp.Action)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}

	// Отфильтрованные события не записываются.
	for _, id := range []string{"g1", "s1"} {
		_, err := f.store.GetInboundMessage(ctx, id)
		assert.ErrorIs(t, err, repository.ErrInboundNotFound)
	}
	stranger, err := f.store.GetInboundMessage(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundIgnored, stranger.Status)
	assert.Equal(t, ReasonNotWhitelisted, stranger.Reason)

	got, err := f.store.GetCardRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPending())
}

func TestWebhookExpiredApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	f.clock.Advance(25 * time.Hour)
	resp := f.channel.HandleWebhook(ctx, message("m1", adminPhone, "yes "+req.ShortID()))
	assert.Equal(t, ReasonRequestExpired, resp.Reason)
	assert.Equal(t, req.ID, resp.RequestID)

	n, err := f.notifier.ExpireTrackers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tracker, err := f.store.GetPendingApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, tracker.ApprovalStatus)

	// Администратор по-прежнему может решить заявку через HTTP.
	admin := service.Command{Actor: service.Actor{ID: "admin-1", Admin: true}, IdempotencyKey: "a1"}
	_, err = f.svc.AdminReject(ctx, admin, req.ID, service.AdminRejectInput{Reason: "stale"})
	require.NoError(t, err)
}

func TestWebhookAmbiguousShortID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()

	for _, id := range []string{"abcd1234-0000-0000-0000-000000000001", "abcd1234-0000-0000-0000-000000000002"} {
		tracker := &model.PendingApprovalTracker{
			RequestID:      id,
			ShortID:        "ABCD1234",
			UserID:         "u",
			ApprovalStatus: model.ApprovalPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(time.Hour),
		}
		require.NoError(t, f.store.CreatePendingApproval(ctx, tracker))
	}

	resp := f.channel.HandleWebhook(ctx, message("m1", adminPhone, "yes abcd1234"))
	assert.Equal(t, ReasonAmbiguousID, resp.Reason)
}

func TestWebhookInternalErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	broken := &failingApprover{}
	ch := NewChannel(f.store, broken, nil, NewWhitelist([]string{adminPhone}), nil)
	ch.SetClock(f.clock.Now)

	resp := ch.HandleWebhook(ctx, message("m1", adminPhone, "yes "+req.ShortID()))
	assert.Equal(t, WebhookResponse{OK: false, Action: ActionError, Error: "internal_error"}, resp)

	inbound, err := f.store.GetInboundMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundFailed, inbound.Status)

	// Повторная доставка после сбоя обрабатывается заново.
	ok := f.channel.HandleWebhook(ctx, message("m1", adminPhone, "yes "+req.ShortID()))
	assert.Equal(t, ActionApproved, ok.Action)
	assert.Equal(t, 1, broken.calls)
}
