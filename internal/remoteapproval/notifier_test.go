package remoteapproval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/service"
)

func TestNotificationRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.setFail(true)
	req := f.pendingRequest(t, "u1")

	notes, err := f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, model.NotificationFailed, n.Status)
		assert.Equal(t, 1, n.RetryCount)
		assert.Equal(t, f.clock.Now().Add(time.Minute), n.NextRetryAt)
		assert.Equal(t, "gateway unavailable", n.LastError)
	}

	sent, err := f.notifier.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	f.clock.Advance(time.Minute)
	_, err = f.notifier.RetryFailed(ctx)
	require.NoError(t, err)

	notes, err = f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, n := range notes {
		assert.Equal(t, 2, n.RetryCount)
		assert.Equal(t, f.clock.Now().Add(2*time.Minute), n.NextRetryAt)
	}

	f.clock.Advance(2 * time.Minute)
	_, err = f.notifier.RetryFailed(ctx)
	require.NoError(t, err)

	notes, err = f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, n := range notes {
		assert.Equal(t, model.NotificationDeadLetter, n.Status)
		assert.Equal(t, MaxNotificationAttempts, n.RetryCount)
	}

	f.sender.setFail(false)
	f.clock.Advance(time.Hour)
	sent, err = f.notifier.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, f.sender.count())
}

func TestNotificationRecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.setFail(true)
	req := f.pendingRequest(t, "u1")

	f.sender.setFail(false)
	f.clock.Advance(time.Minute)
	sent, err := f.notifier.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	notes, err := f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, n := range notes {
		assert.Equal(t, model.NotificationSent, n.Status)
		assert.Empty(t, n.LastError)
		require.NotNil(t, n.SentAt)
	}
}

func TestRetrySkipsDecidedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.setFail(true)
	req := f.pendingRequest(t, "u1")

	f.sender.setFail(false)
	resp := f.channel.HandleWebhook(ctx, message("m1", adminPhone, "yes "+req.ShortID()))
	require.Equal(t, ActionApproved, resp.Action)
	confirmations := f.sender.count()

	f.clock.Advance(time.Minute)
	sent, err := f.notifier.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, confirmations, f.sender.count())

	notes, err := f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	for _, n := range notes {
		assert.Equal(t, model.NotificationDeadLetter, n.Status)
	}
}

func TestNotifyPendingRequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")

	require.NoError(t, f.notifier.NotifyPendingRequest(ctx, req))

	notes, err := f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
	assert.Equal(t, 2, f.sender.count())
}

func TestFormatApprovalMessage(t *testing.T) {
	req := &model.CardRequest{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", ScoreAtRequest: 410, TierAtRequest: "low"}

	text := FormatApprovalMessage(req, "jane@example.com")
	assert.Contains(t, text, "Customer: jane@example.com")
	assert.Contains(t, text, "Score: 410 (low tier)")
	assert.Contains(t, text, "Request: 0F8FAD5B")
	assert.Contains(t, text, "ID: 0f8fad5b-d9cb-469f-a165-70867728950e")
	assert.Contains(t, text, "YES 0F8FAD5B")
}

// blockingSender задерживает первую отправку, пока тест не отпустит её.
type blockingSender struct {
	fakeSender
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, phone, text string) (string, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.fakeSender.Send(ctx, phone, text)
}

func (b *blockingSender) perPhone() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int)
	for _, m := range b.sent {
		out[m.Phone]++
	}
	return out
}

func TestRetryDoesNotResendInFlightNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.SetNotifier(nil)
	req := f.pendingRequest(t, "u1")

	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	notifier := NewNotifier(f.store, sender, NewWhitelist([]string{adminPhone, otherAdmin}), nil, WithNotifierClock(f.clock.Now))

	done := make(chan error, 1)
	go func() { done <- notifier.NotifyPendingRequest(ctx, req) }()
	<-sender.entered

	sent, err := notifier.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	close(sender.release)
	require.NoError(t, <-done)

	assert.Equal(t, map[string]int{adminPhone: 1, otherAdmin: 1}, sender.perPhone())
}

// expiryRaceStore выполняет hook между выборкой просроченных трекеров и их закрытием.
type expiryRaceStore struct {
	*repository.Memory
	hook func()
}

func (s *expiryRaceStore) ListExpiredPendingApprovals(ctx context.Context, now time.Time, limit int) ([]model.PendingApprovalTracker, error) {
	out, err := s.Memory.ListExpiredPendingApprovals(ctx, now, limit)
	if s.hook != nil {
		s.hook()
	}
	return out, err
}

func TestExpiryKeepsDecisionMadeDuringSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.pendingRequest(t, "u1")
	f.clock.Advance(25 * time.Hour)

	store := &expiryRaceStore{Memory: f.store}
	store.hook = func() {
		admin := service.Command{Actor: service.Actor{ID: "admin-1", Admin: true}, IdempotencyKey: "a1"}
		_, err := f.svc.AdminApprove(ctx, admin, req.ID, service.AdminApproveInput{})
		require.NoError(t, err)
	}
	notifier := NewNotifier(store, f.sender, NewWhitelist([]string{adminPhone}), nil, WithNotifierClock(f.clock.Now))

	n, err := notifier.ExpireTrackers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tracker, err := f.store.GetPendingApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, tracker.ApprovalStatus)
	assert.Equal(t, "admin-1", tracker.RespondedBy)
	require.NotNil(t, tracker.RespondedAt)
}
