package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/scoring"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCard(t *testing.T, limit int64) *Card {
	t.Helper()
	c, err := NewCard("user-1", "4000001234567899", decimal.NewFromInt(limit), testNow)
	require.NoError(t, err)
	return c
}

func TestNewUserDerivesTier(t *testing.T) {
	u, err := NewUser("ext-1", "a@example.com", "", 720, testNow)
	require.NoError(t, err)

	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, scoring.TierHigh, u.Tier)
	require.NoError(t, u.Validate())

	u.SetScore(1200, testNow)
	assert.Equal(t, 1000, u.CurrentScore)
	require.NoError(t, u.Validate())

	u.Tier = scoring.TierLow
	assert.ErrorIs(t, u.Validate(), ErrInternal)
}

func TestNewUserRequiresExternalID(t *testing.T) {
	_, err := NewUser("  ", "", RoleUser, 500, testNow)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCardChargeAndPaymentKeepInvariants(t *testing.T) {
	c := newTestCard(t, 1000)
	assert.Equal(t, "7899", c.Last4)

	require.NoError(t, c.Charge(decimal.NewFromInt(400), testNow))
	require.NoError(t, c.Validate())
	assert.True(t, c.AvailableCredit.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, int64(2), c.Version)
	require.NotNil(t, c.PaymentDueAt)
	assert.True(t, c.MinimumPayment.Equal(decimal.NewFromInt(25)))

	err := c.Charge(decimal.NewFromInt(601), testNow)
	assert.True(t, HasCode(err, CodeInsufficientCredit))
	assert.Equal(t, int64(2), c.Version)

	res, err := c.ApplyPayment(decimal.NewFromInt(100), testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.OnTime)
	require.NoError(t, c.Validate())
	assert.True(t, c.Balance.Equal(decimal.NewFromInt(300)))

	_, err = c.ApplyPayment(decimal.NewFromInt(301), testNow)
	assert.True(t, HasCode(err, CodePaymentExceedsBalance))

	_, err = c.ApplyPayment(decimal.NewFromInt(300), testNow)
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
	assert.Nil(t, c.PaymentDueAt)
	require.NoError(t, c.Validate())
}

func TestCardLatePayment(t *testing.T) {
	c := newTestCard(t, 1000)
	require.NoError(t, c.Charge(decimal.NewFromInt(500), testNow))

	late := c.PaymentDueAt.Add(10 * 24 * time.Hour)
	res, err := c.ApplyPayment(decimal.NewFromInt(50), late)
	require.NoError(t, err)
	assert.False(t, res.OnTime)
	assert.Equal(t, 10, res.DaysOverdue)
	assert.True(t, res.PreviousBalance.Equal(decimal.NewFromInt(500)))
}

func TestCardStatusTransitions(t *testing.T) {
	c := newTestCard(t, 1000)
	require.NoError(t, c.Charge(decimal.NewFromInt(10), testNow))

	err := c.SetStatus(CardStatusCancelled, testNow)
	assert.True(t, HasCode(err, CodeBalanceNotZero))

	require.NoError(t, c.SetStatus(CardStatusSuspended, testNow))
	assert.True(t, HasCode(c.Charge(decimal.NewFromInt(1), testNow), CodeCardNotActive))

	require.NoError(t, c.SetStatus(CardStatusActive, testNow))
	_, err = c.ApplyPayment(decimal.NewFromInt(10), testNow)
	require.NoError(t, err)
	require.NoError(t, c.SetStatus(CardStatusCancelled, testNow))

	err = c.SetStatus(CardStatusActive, testNow)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCardRequestTransitions(t *testing.T) {
	u, err := NewUser("ext-1", "", RoleUser, 450, testNow)
	require.NoError(t, err)

	req, err := NewCardRequest(u, "key-1", nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, 450, req.ScoreAtRequest)
	assert.Equal(t, scoring.TierLow, req.TierAtRequest)
	assert.Len(t, req.ShortID(), ShortIDLength)
	require.NoError(t, req.Validate())

	err = req.Approve(Decision{Source: DecisionSourceAdmin, DecidedAt: testNow}, "card-1")
	assert.ErrorIs(t, err, ErrValidation, "admin decision without admin id")
	assert.True(t, req.IsPending())

	require.NoError(t, req.Approve(Decision{Source: DecisionSourceAdmin, AdminID: "admin-1", DecidedAt: testNow}, "card-1"))
	require.NoError(t, req.Validate())
	assert.Equal(t, RequestStatusApproved, req.Decision.Outcome)

	err = req.Reject(Decision{Source: DecisionSourceAdmin, AdminID: "admin-1", DecidedAt: testNow})
	assert.True(t, HasCode(err, CodeRequestNotPending))
	assert.Equal(t, RequestStatusApproved, req.Status)
}

func TestCardRequestValidateDetectsMismatch(t *testing.T) {
	req := &CardRequest{ID: "r", Status: RequestStatusRejected}
	assert.ErrorIs(t, req.Validate(), ErrInternal)

	req.Decision = &Decision{Outcome: RequestStatusApproved, Source: DecisionSourceAuto, DecidedAt: testNow}
	assert.ErrorIs(t, req.Validate(), ErrInternal)
}

func TestTrackerLifecycle(t *testing.T) {
	req := &CardRequest{ID: "abcdef12-3456", UserID: "u"}
	tr := NewPendingApprovalTracker(req, 24*time.Hour, testNow)
	assert.Equal(t, "ABCDEF12", tr.ShortID)

	assert.False(t, tr.Expire(testNow.Add(time.Hour)))
	require.NoError(t, tr.Resolve(ApprovalApproved, "5511999", testNow))
	assert.True(t, tr.IsTerminal())
	assert.False(t, tr.Expire(testNow.Add(48*time.Hour)))

	err := tr.Resolve(ApprovalRejected, "5511999", testNow)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestErrorUnwrapsToKind(t *testing.T) {
	err := Conflict(CodeCooldownActive, "wait").WithDetail("daysRemaining", 3)

	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 3, err.Details["daysRemaining"])
	assert.Equal(t, "COOLDOWN_ACTIVE: wait", err.Error())
}
