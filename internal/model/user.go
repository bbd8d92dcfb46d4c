// Package model содержит доменные сущности сервиса кредитных карт и их инварианты.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardservice/internal/scoring"
)

// Role описывает роль пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// UserStatus описывает статус учётной записи.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// CardSummary содержит денормализованную сводку по картам пользователя.
type CardSummary struct {
	ActiveCards  int             `json:"activeCards"`
	TotalLimit   decimal.Decimal `json:"totalLimit"`
	TotalBalance decimal.Decimal `json:"totalBalance"`
}

// User представляет клиента или администратора.
type User struct {
	ID           string       `json:"id"`
	ExternalID   string       `json:"externalId"`
	Email        string       `json:"email"`
	Role         Role         `json:"role"`
	Status       UserStatus   `json:"status"`
	CurrentScore int          `json:"currentScore"`
	Tier         scoring.Tier `json:"tier"`
	CardSummary  CardSummary  `json:"cardSummary"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// NewUser создаёт пользователя с уровнем, вычисленным из начального рейтинга.
func NewUser(externalID, email string, role Role, score int, now time.Time) (*User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, Validation("external id is required")
	}
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAdmin {
		return nil, Validation("unknown role %q", role)
	}

	u := &User{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Email:      strings.TrimSpace(email),
		Role:       role,
		Status:     UserStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	u.SetScore(score, now)
	return u, nil
}

// SetScore обновляет рейтинг и пересчитывает уровень.
func (u *User) SetScore(score int, now time.Time) {
	u.CurrentScore = scoring.ClampScore(float64(score))
	u.Tier = scoring.DeriveTier(u.CurrentScore)
	u.UpdatedAt = now
}

// IsAdmin сообщает, является ли пользователь администратором.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// RecalculateSummary пересчитывает сводку по переданным картам пользователя.
func (u *User) RecalculateSummary(cards []Card, now time.Time) {
	s := CardSummary{TotalLimit: decimal.Zero, TotalBalance: decimal.Zero}
	for _, c := range cards {
		if c.Status == CardStatusCancelled {
			continue
		}
		if c.Status == CardStatusActive {
			s.ActiveCards++
		}
		s.TotalLimit = s.TotalLimit.Add(c.Limit)
		s.TotalBalance = s.TotalBalance.Add(c.Balance)
	}
	u.CardSummary = s
	u.UpdatedAt = now
}

// Validate проверяет инварианты пользователя.
func (u *User) Validate() error {
	if u.CurrentScore < scoring.MinScore || u.CurrentScore > scoring.MaxScore {
		return Internal("user %s score %d out of range", u.ID, u.CurrentScore)
	}
	if u.Tier != scoring.DeriveTier(u.CurrentScore) {
		return Internal("user %s tier %s does not match score %d", u.ID, u.Tier, u.CurrentScore)
	}
	return nil
}
