package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType описывает вид операции по карте.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionPayment  TransactionType = "payment"
)

// PaymentStatus описывает своевременность платежа.
type PaymentStatus string

const (
	PaymentOnTime PaymentStatus = "on_time"
	PaymentLate   PaymentStatus = "late"
)

// Transaction описывает покупку или платёж по карте.
type Transaction struct {
	ID             string          `json:"id"`
	CardID         string          `json:"cardId"`
	UserID         string          `json:"userId"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
	Merchant       string          `json:"merchant,omitempty"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus,omitempty"`
	ScoreImpact    *int            `json:"scoreImpact,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewPurchase создаёт операцию покупки.
func NewPurchase(card *Card, amount decimal.Decimal, merchant, key string, now time.Time) (*Transaction, error) {
	merchant = strings.TrimSpace(merchant)
	if merchant == "" {
		return nil, Validation("merchant is required")
	}
	tx, err := newTransaction(card, TransactionPurchase, amount, key, now)
	if err != nil {
		return nil, err
	}
	tx.Merchant = merchant
	return tx, nil
}

// NewPayment создаёт операцию платежа.
func NewPayment(card *Card, amount decimal.Decimal, status PaymentStatus, impact int, key string, now time.Time) (*Transaction, error) {
	tx, err := newTransaction(card, TransactionPayment, amount, key, now)
	if err != nil {
		return nil, err
	}
	tx.PaymentStatus = status
	tx.ScoreImpact = &impact
	return tx, nil
}

func newTransaction(card *Card, typ TransactionType, amount decimal.Decimal, key string, now time.Time) (*Transaction, error) {
	if card == nil {
		return nil, Validation("card is required")
	}
	if !amount.IsPositive() {
		return nil, Validation("amount must be positive")
	}
	if key == "" {
		return nil, ValidationCode(CodeIdempotencyKeyMissing, "idempotency key is required")
	}
	return &Transaction{
		ID:             uuid.NewString(),
		CardID:         card.ID,
		UserID:         card.UserID,
		Type:           typ,
		Amount:         amount,
		IdempotencyKey: key,
		CreatedAt:      now,
	}, nil
}

// ScoreSource описывает источник изменения рейтинга.
type ScoreSource string

const (
	ScoreSourcePayment ScoreSource = "payment"
	ScoreSourceAdmin   ScoreSource = "admin"
	ScoreSourceSystem  ScoreSource = "system"
)

// Score описывает неизменяемую запись истории рейтинга.
type Score struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	PreviousValue int         `json:"previousValue"`
	Value         int         `json:"value"`
	Delta         int         `json:"delta"`
	Reason        string      `json:"reason"`
	Source        ScoreSource `json:"source"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// NewScore создаёт запись истории рейтинга.
func NewScore(userID string, previous, value int, reason string, source ScoreSource, now time.Time) Score {
	return Score{
		ID:            uuid.NewString(),
		UserID:        userID,
		PreviousValue: previous,
		Value:         value,
		Delta:         value - previous,
		Reason:        reason,
		Source:        source,
		CreatedAt:     now,
	}
}
