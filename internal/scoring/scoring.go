// Package scoring содержит чистые функции расчёта кредитного рейтинга и уровня клиента.
package scoring

import (
	"math"

	"github.com/shopspring/decimal"
)

// Tier описывает уровень риска, вычисляемый из рейтинга.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Границы рейтинга.
const (
	MinScore = 0
	MaxScore = 1000

	HighTierThreshold   = 700
	MediumTierThreshold = 500
)

// Штрафы за просроченные платежи.
const (
	onTimeBaseImpact  = 10
	onTimeRangeImpact = 40

	latePenaltyShort  = -20
	latePenaltyMedium = -50
	latePenaltyLong   = -100
)

// DeriveTier возвращает уровень клиента для указанного рейтинга.
func DeriveTier(score int) Tier {
	switch {
	case score >= HighTierThreshold:
		return TierHigh
	case score >= MediumTierThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Valid сообщает, является ли значение известным уровнем.
func (t Tier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// ClampScore округляет значение и ограничивает его диапазоном [0, 1000].
func ClampScore(x float64) int {
	if math.IsNaN(x) {
		return MinScore
	}
	r := math.Round(x)
	if r < MinScore {
		return MinScore
	}
	if r > MaxScore {
		return MaxScore
	}
	return int(r)
}

// ApplyDelta прибавляет изменение к рейтингу с последующим ограничением диапазона.
func ApplyDelta(score, delta int) int {
	return ClampScore(float64(score) + float64(delta))
}

// CalculatePaymentScoreImpact вычисляет изменение рейтинга по факту платежа.
//
// Своевременный платёж даёт от +10 (минимальный платёж) до +50 (полное погашение)
// пропорционально доле погашенного баланса. Просрочка даёт фиксированный штраф
// в зависимости от количества дней.
func CalculatePaymentScoreImpact(amount, balance decimal.Decimal, onTime bool, daysOverdue int) int {
	if !onTime {
		switch {
		case daysOverdue <= 7:
			return latePenaltyShort
		case daysOverdue <= 30:
			return latePenaltyMedium
		default:
			return latePenaltyLong
		}
	}

	ratio := 1.0
	if balance.IsPositive() {
		ratio = amount.Div(balance).InexactFloat64()
	}
	if !amount.IsPositive() {
		ratio = 0
	}
	ratio = math.Max(0, math.Min(1, ratio))

	return int(math.Round(onTimeBaseImpact + onTimeRangeImpact*ratio))
}
