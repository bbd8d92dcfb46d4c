package approval

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/scoring"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func TestDetermineApprovalOutcome(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		score    int
		tier     scoring.Tier
		approved bool
		limit    int64
	}{
		{score: 750, tier: scoring.TierHigh, approved: true, limit: 5000},
		{score: 700, tier: scoring.TierHigh, approved: true, limit: 5000},
		{score: 699, tier: scoring.TierMedium, approved: true, limit: 2000},
		{score: 500, tier: scoring.TierMedium, approved: true, limit: 2000},
		{score: 499, tier: scoring.TierLow, approved: false, limit: 500},
		{score: -20, tier: scoring.TierLow, approved: false, limit: 500},
	}

	for _, tt := range tests {
		got := p.DetermineApprovalOutcome(tt.score)
		assert.Equal(t, tt.tier, got.Tier, "score %d", tt.score)
		assert.Equal(t, tt.approved, got.Approved, "score %d", tt.score)
		assert.Equal(t, !tt.approved, got.NeedsReview, "score %d", tt.score)
		assert.True(t, got.Limit.Equal(decimal.NewFromInt(tt.limit)), "score %d limit %s", tt.score, got.Limit)
	}
}

func TestValidateLimitForTier(t *testing.T) {
	p := DefaultPolicy()

	assert.NoError(t, p.ValidateLimitForTier(decimal.NewFromInt(500), scoring.TierLow))
	assert.NoError(t, p.ValidateLimitForTier(decimal.NewFromInt(10000), scoring.TierHigh))

	err := p.ValidateLimitForTier(decimal.NewFromInt(50), scoring.TierHigh)
	assert.True(t, model.HasCode(err, model.CodeLimitBelowMinimum))

	err = p.ValidateLimitForTier(decimal.NewFromInt(2001), scoring.TierLow)
	assert.True(t, model.HasCode(err, model.CodeLimitExceedsTier))

	assert.True(t, p.MaxLimitForTier(scoring.TierHigh).GreaterThan(p.MaxLimitForTier(scoring.TierMedium)))
	assert.True(t, p.MaxLimitForTier(scoring.TierMedium).GreaterThan(p.MaxLimitForTier(scoring.TierLow)))
}

func rejectedAgo(d time.Duration) model.CardRequest {
	return model.CardRequest{
		ID:     "rejected",
		Status: model.RequestStatusRejected,
		Decision: &model.Decision{
			Outcome:   model.RequestStatusRejected,
			Source:    model.DecisionSourceAdmin,
			AdminID:   "admin",
			DecidedAt: now.Add(-d),
		},
	}
}

func TestCanRequestCardCooldown(t *testing.T) {
	p := DefaultPolicy()
	user := &model.User{ID: "u1"}
	day := 24 * time.Hour

	err := p.CanRequestCard(user, nil, nil, []model.CardRequest{rejectedAgo(29 * day)}, now)
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.CodeCooldownActive))
	var de *model.Error
	require.ErrorAs(t, err, &de)
	assert.Greater(t, de.Details["daysRemaining"], 0)

	assert.NoError(t, p.CanRequestCard(user, nil, nil, []model.CardRequest{rejectedAgo(30 * day)}, now))
	assert.NoError(t, p.CanRequestCard(user, nil, nil, []model.CardRequest{rejectedAgo(31 * day)}, now))
}

func TestCanRequestCardBlockers(t *testing.T) {
	p := DefaultPolicy()
	user := &model.User{ID: "u1"}

	err := p.CanRequestCard(user, []model.Card{{ID: "c1", Status: model.CardStatusActive}}, nil, nil, now)
	assert.True(t, model.HasCode(err, model.CodeActiveCardExists))

	assert.NoError(t, p.CanRequestCard(user, []model.Card{{ID: "c1", Status: model.CardStatusCancelled}}, nil, nil, now))

	err = p.CanRequestCard(user, nil, []model.CardRequest{{ID: "r1", Status: model.RequestStatusPending}}, nil, now)
	assert.True(t, model.HasCode(err, model.CodePendingRequestExists))
}

func TestCanApproveWithLimit(t *testing.T) {
	p := DefaultPolicy()

	pending := &model.CardRequest{ID: "r1", Status: model.RequestStatusPending}
	assert.NoError(t, p.CanApproveWithLimit(pending, scoring.TierLow, decimal.NewFromInt(500)))
	assert.True(t, model.HasCode(p.CanApproveWithLimit(pending, scoring.TierLow, decimal.NewFromInt(5000)), model.CodeLimitExceedsTier))

	approved := &model.CardRequest{ID: "r2", Status: model.RequestStatusApproved}
	assert.True(t, model.HasCode(p.CanApproveWithLimit(approved, scoring.TierHigh, decimal.NewFromInt(500)), model.CodeRequestNotPending))
}
