// Package approval реализует правила автоматического одобрения заявок и проверки лимитов.
package approval

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/scoring"
)

// Policy задаёт лимиты по уровням и период ожидания после отказа.
type Policy struct {
	HighTierLimit   decimal.Decimal
	MediumTierLimit decimal.Decimal
	ReviewLimit     decimal.Decimal

	MaxHighLimit   decimal.Decimal
	MaxMediumLimit decimal.Decimal
	MaxLowLimit    decimal.Decimal
	MinLimit       decimal.Decimal

	Cooldown time.Duration
}

// DefaultPolicy возвращает политику одобрения по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		HighTierLimit:   decimal.NewFromInt(5000),
		MediumTierLimit: decimal.NewFromInt(2000),
		ReviewLimit:     decimal.NewFromInt(500),

		MaxHighLimit:   decimal.NewFromInt(10000),
		MaxMediumLimit: decimal.NewFromInt(5000),
		MaxLowLimit:    decimal.NewFromInt(2000),
		MinLimit:       decimal.NewFromInt(100),

		Cooldown: 30 * 24 * time.Hour,
	}
}

// Outcome описывает результат автоматической оценки заявки.
type Outcome struct {
	Tier        scoring.Tier
	Approved    bool
	NeedsReview bool
	Limit       decimal.Decimal
}

// DetermineApprovalOutcome решает, может ли заявка быть одобрена автоматически.
func (p Policy) DetermineApprovalOutcome(score int) Outcome {
	tier := scoring.DeriveTier(scoring.ClampScore(float64(score)))
	switch tier {
	case scoring.TierHigh:
		return Outcome{Tier: tier, Approved: true, Limit: p.HighTierLimit}
	case scoring.TierMedium:
		return Outcome{Tier: tier, Approved: true, Limit: p.MediumTierLimit}
	default:
		return Outcome{Tier: tier, NeedsReview: true, Limit: p.ReviewLimit}
	}
}

// MaxLimitForTier возвращает максимальный лимит для уровня.
func (p Policy) MaxLimitForTier(tier scoring.Tier) decimal.Decimal {
	switch tier {
	case scoring.TierHigh:
		return p.MaxHighLimit
	case scoring.TierMedium:
		return p.MaxMediumLimit
	default:
		return p.MaxLowLimit
	}
}

// DefaultLimitForTier возвращает лимит, назначаемый при одобрении без явного значения.
func (p Policy) DefaultLimitForTier(tier scoring.Tier) decimal.Decimal {
	switch tier {
	case scoring.TierHigh:
		return p.HighTierLimit
	case scoring.TierMedium:
		return p.MediumTierLimit
	default:
		return p.ReviewLimit
	}
}

// ValidateLimitForTier проверяет, что лимит находится в диапазоне [минимум, максимум уровня].
func (p Policy) ValidateLimitForTier(limit decimal.Decimal, tier scoring.Tier) error {
	if limit.LessThan(p.MinLimit) {
		return model.Conflict(model.CodeLimitBelowMinimum, "limit %s is below minimum %s", limit, p.MinLimit).
			WithDetail("minimum", p.MinLimit.String())
	}
	ceiling := p.MaxLimitForTier(tier)
	if limit.GreaterThan(ceiling) {
		return model.Conflict(model.CodeLimitExceedsTier, "limit %s exceeds %s tier maximum %s", limit, tier, ceiling).
			WithDetail("maximum", ceiling.String())
	}
	return nil
}

// CanRequestCard проверяет, может ли пользователь подать новую заявку.
func (p Policy) CanRequestCard(user *model.User, cards []model.Card, pending, rejections []model.CardRequest, now time.Time) error {
	if user == nil {
		return model.Validation("user is required")
	}
	for _, c := range cards {
		if c.Status == model.CardStatusActive {
			return model.Conflict(model.CodeActiveCardExists, "user already holds active card %s", c.ID).
				WithDetail("cardId", c.ID)
		}
	}
	for _, r := range pending {
		if r.IsPending() {
			return model.Conflict(model.CodePendingRequestExists, "request %s is still pending", r.ID).
				WithDetail("requestId", r.ID)
		}
	}
	for _, r := range rejections {
		if r.Status != model.RequestStatusRejected || r.Decision == nil {
			continue
		}
		elapsed := now.Sub(r.Decision.DecidedAt)
		if elapsed < p.Cooldown {
			days := int(math.Ceil((p.Cooldown - elapsed).Hours() / 24))
			return model.Conflict(model.CodeCooldownActive, "request rejected %s ago", elapsed.Truncate(time.Hour)).
				WithDetail("daysRemaining", days)
		}
	}
	return nil
}

// CanApproveWithLimit проверяет, может ли администратор одобрить заявку с указанным лимитом.
func (p Policy) CanApproveWithLimit(req *model.CardRequest, tier scoring.Tier, limit decimal.Decimal) error {
	if req == nil {
		return model.Validation("request is required")
	}
	if !req.IsPending() {
		return model.Conflict(model.CodeRequestNotPending, "request %s is %s", req.ID, req.Status)
	}
	return p.ValidateLimitForTier(limit, tier)
}
