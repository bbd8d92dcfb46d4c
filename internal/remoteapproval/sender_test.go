package remoteapproval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/cardservice/internal/model"
)

func TestLogSenderKeepsApprovalFlowWithoutGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	notifier := NewNotifier(f.store, NewLogSender(zap.New(core)), NewWhitelist([]string{adminPhone}), nil, WithNotifierClock(f.clock.Now))
	f.svc.SetNotifier(notifier)

	req := f.pendingRequest(t, "u1")

	tracker, err := f.store.GetPendingApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, tracker.ApprovalStatus)

	notes, err := f.store.ListNotificationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationSent, notes[0].Status)
	assert.True(t, strings.HasPrefix(notes[0].ProviderMessageID, "log-"), notes[0].ProviderMessageID)

	entries := logs.FilterMessage("whatsapp message logged").All()
	require.Len(t, entries, 1)
	assert.Equal(t, adminPhone, entries[0].ContextMap()["phone"])
	assert.Contains(t, entries[0].ContextMap()["text"], req.ShortID())
	assert.Zero(t, f.sender.count())
}
