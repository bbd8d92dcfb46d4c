package model

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CardStatus описывает статус карты.
type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusSuspended CardStatus = "suspended"
	CardStatusCancelled CardStatus = "cancelled"
)

const (
	firstPaymentGracePeriod = 25 * 24 * time.Hour
	billingCycle            = 30 * 24 * time.Hour
)

var (
	minimumPaymentFloor = decimal.NewFromInt(25)
	minimumPaymentRate  = decimal.NewFromFloat(0.03)
)

// Card представляет кредитную карту клиента.
type Card struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Number          string          `json:"-"`
	Last4           string          `json:"last4"`
	Status          CardStatus      `json:"status"`
	Limit           decimal.Decimal `json:"limit"`
	Balance         decimal.Decimal `json:"balance"`
	AvailableCredit decimal.Decimal `json:"availableCredit"`
	MinimumPayment  decimal.Decimal `json:"minimumPayment"`
	PaymentDueAt    *time.Time      `json:"paymentDueAt,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// PaymentResult описывает результат применения платежа к карте.
type PaymentResult struct {
	PreviousBalance decimal.Decimal
	OnTime          bool
	DaysOverdue     int
}

// NewCard создаёт активную карту с нулевым балансом.
func NewCard(userID, number string, limit decimal.Decimal, now time.Time) (*Card, error) {
	if userID == "" {
		return nil, Validation("card owner is required")
	}
	if len(number) < 4 {
		return nil, Validation("card number is too short")
	}
	if !limit.IsPositive() {
		return nil, Validation("card limit must be positive")
	}

	c := &Card{
		ID:        uuid.NewString(),
		UserID:    userID,
		Number:    number,
		Last4:     number[len(number)-4:],
		Status:    CardStatusActive,
		Limit:     limit.Round(2),
		Balance:   decimal.Zero,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.recompute()
	return c, nil
}

// Charge списывает покупку с доступного кредита.
func (c *Card) Charge(amount decimal.Decimal, now time.Time) error {
	if c.Status != CardStatusActive {
		return Conflict(CodeCardNotActive, "card %s is %s", c.ID, c.Status)
	}
	if !amount.IsPositive() {
		return Validation("purchase amount must be positive")
	}
	if amount.GreaterThan(c.AvailableCredit) {
		return Conflict(CodeInsufficientCredit, "purchase %s exceeds available credit %s", amount, c.AvailableCredit).
			WithDetail("availableCredit", c.AvailableCredit.String())
	}

	wasZero := c.Balance.IsZero()
	c.Balance = c.Balance.Add(amount)
	if wasZero {
		due := now.Add(firstPaymentGracePeriod)
		c.PaymentDueAt = &due
	}
	c.touch(now)
	return nil
}

// ApplyPayment уменьшает баланс карты и определяет, был ли платёж своевременным.
func (c *Card) ApplyPayment(amount decimal.Decimal, now time.Time) (PaymentResult, error) {
	if c.Status == CardStatusCancelled {
		return PaymentResult{}, Conflict(CodeCardNotActive, "card %s is cancelled", c.ID)
	}
	if !amount.IsPositive() {
		return PaymentResult{}, Validation("payment amount must be positive")
	}
	if amount.GreaterThan(c.Balance) {
		return PaymentResult{}, Conflict(CodePaymentExceedsBalance, "payment %s exceeds balance %s", amount, c.Balance).
			WithDetail("balance", c.Balance.String())
	}

	res := PaymentResult{PreviousBalance: c.Balance, OnTime: true}
	if c.PaymentDueAt != nil && now.After(*c.PaymentDueAt) {
		res.OnTime = false
		res.DaysOverdue = int(math.Ceil(now.Sub(*c.PaymentDueAt).Hours() / 24))
	}

	coversMinimum := amount.GreaterThanOrEqual(c.MinimumPayment)
	c.Balance = c.Balance.Sub(amount)
	switch {
	case c.Balance.IsZero():
		c.PaymentDueAt = nil
	case coversMinimum:
		due := now.Add(billingCycle)
		c.PaymentDueAt = &due
	}
	c.touch(now)
	return res, nil
}

// SetStatus переводит карту в новый статус.
func (c *Card) SetStatus(target CardStatus, now time.Time) error {
	if c.Status == target {
		return Conflict(CodeInvalidTransition, "card %s is already %s", c.ID, target)
	}

	switch target {
	case CardStatusSuspended:
		if c.Status != CardStatusActive {
			return Conflict(CodeInvalidTransition, "cannot suspend %s card", c.Status)
		}
	case CardStatusActive:
		if c.Status != CardStatusSuspended {
			return Conflict(CodeInvalidTransition, "cannot reactivate %s card", c.Status)
		}
	case CardStatusCancelled:
		if !c.Balance.IsZero() {
			return Conflict(CodeBalanceNotZero, "card %s has outstanding balance %s", c.ID, c.Balance)
		}
	default:
		return Validation("unknown card status %q", target)
	}

	c.Status = target
	c.touch(now)
	return nil
}

// Validate проверяет инварианты карты.
func (c *Card) Validate() error {
	if c.Balance.IsNegative() || c.Balance.GreaterThan(c.Limit) {
		return Internal("card %s balance %s outside [0, %s]", c.ID, c.Balance, c.Limit)
	}
	if !c.AvailableCredit.Equal(c.Limit.Sub(c.Balance)) {
		return Internal("card %s available credit %s != limit - balance", c.ID, c.AvailableCredit)
	}
	if c.Status == CardStatusCancelled && !c.Balance.IsZero() {
		return Internal("cancelled card %s has balance %s", c.ID, c.Balance)
	}
	return nil
}

// Clone возвращает независимую копию карты.
func (c Card) Clone() Card {
	if c.PaymentDueAt != nil {
		due := *c.PaymentDueAt
		c.PaymentDueAt = &due
	}
	return c
}

func (c *Card) touch(now time.Time) {
	c.recompute()
	c.Version++
	c.UpdatedAt = now
}

func (c *Card) recompute() {
	c.AvailableCredit = c.Limit.Sub(c.Balance)

	minimum := decimal.Max(minimumPaymentFloor, c.Balance.Mul(minimumPaymentRate)).Round(2)
	c.MinimumPayment = decimal.Min(c.Balance, minimum)
}
