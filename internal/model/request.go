package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardservice/internal/scoring"
)

// RequestStatus описывает статус заявки на карту.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

// DecisionSource описывает источник решения по заявке.
type DecisionSource string

const (
	DecisionSourceAuto  DecisionSource = "auto"
	DecisionSourceAdmin DecisionSource = "admin"
)

// RequestTTL задаёт рекомендательный срок рассмотрения заявки.
const RequestTTL = 7 * 24 * time.Hour

// ShortIDLength задаёт длину короткого идентификатора заявки.
const ShortIDLength = 8

// Decision описывает принятое по заявке решение.
type Decision struct {
	Outcome       RequestStatus    `json:"outcome"`
	Source        DecisionSource   `json:"source"`
	AdminID       string           `json:"adminId,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	ApprovedLimit *decimal.Decimal `json:"approvedLimit,omitempty"`
	DecidedAt     time.Time        `json:"decidedAt"`
}

// CardRequest представляет заявку клиента на выпуск карты.
type CardRequest struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	IdempotencyKey  string           `json:"-"`
	Status          RequestStatus    `json:"status"`
	ScoreAtRequest  int              `json:"scoreAtRequest"`
	TierAtRequest   scoring.Tier     `json:"tierAtRequest"`
	RequestedLimit  *decimal.Decimal `json:"requestedLimit,omitempty"`
	Decision        *Decision        `json:"decision,omitempty"`
	ResultingCardID string           `json:"resultingCardId,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// NewCardRequest создаёт заявку в статусе pending со снимком рейтинга пользователя.
func NewCardRequest(user *User, idempotencyKey string, requestedLimit *decimal.Decimal, now time.Time) (*CardRequest, error) {
	if user == nil {
		return nil, Validation("user is required")
	}
	if idempotencyKey == "" {
		return nil, ValidationCode(CodeIdempotencyKeyMissing, "idempotency key is required")
	}
	if requestedLimit != nil && !requestedLimit.IsPositive() {
		return nil, Validation("requested limit must be positive")
	}

	return &CardRequest{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		IdempotencyKey: idempotencyKey,
		Status:         RequestStatusPending,
		ScoreAtRequest: user.CurrentScore,
		TierAtRequest:  user.Tier,
		RequestedLimit: requestedLimit,
		CreatedAt:      now,
		ExpiresAt:      now.Add(RequestTTL),
		UpdatedAt:      now,
	}, nil
}

// ShortID возвращает короткий идентификатор заявки для удалённого канала.
func (r *CardRequest) ShortID() string {
	return ShortID(r.ID)
}

// ShortID приводит идентификатор к короткой форме.
func ShortID(id string) string {
	id = strings.ToUpper(id)
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

// IsPending сообщает, ожидает ли заявка решения.
func (r *CardRequest) IsPending() bool {
	return r.Status == RequestStatusPending
}

// Approve переводит заявку в статус approved.
func (r *CardRequest) Approve(d Decision, cardID string) error {
	if !r.IsPending() {
		return Conflict(CodeRequestNotPending, "request %s is %s", r.ID, r.Status)
	}
	if cardID == "" {
		return Validation("approved request requires a card")
	}
	d.Outcome = RequestStatusApproved
	if err := d.validate(); err != nil {
		return err
	}

	r.Status = RequestStatusApproved
	r.Decision = &d
	r.ResultingCardID = cardID
	r.UpdatedAt = d.DecidedAt
	return nil
}

// Reject переводит заявку в статус rejected.
func (r *CardRequest) Reject(d Decision) error {
	if !r.IsPending() {
		return Conflict(CodeRequestNotPending, "request %s is %s", r.ID, r.Status)
	}
	d.Outcome = RequestStatusRejected
	d.ApprovedLimit = nil
	if err := d.validate(); err != nil {
		return err
	}

	r.Status = RequestStatusRejected
	r.Decision = &d
	r.UpdatedAt = d.DecidedAt
	return nil
}

// Validate проверяет согласованность статуса и решения.
func (r *CardRequest) Validate() error {
	if r.Status == RequestStatusPending {
		if r.Decision != nil || r.ResultingCardID != "" {
			return Internal("pending request %s carries a decision", r.ID)
		}
		return nil
	}
	if r.Decision == nil {
		return Internal("request %s is %s without a decision", r.ID, r.Status)
	}
	if r.Decision.Outcome != r.Status {
		return Internal("request %s decision %s does not match status %s", r.ID, r.Decision.Outcome, r.Status)
	}
	if err := r.Decision.validate(); err != nil {
		return Internal("request %s: %v", r.ID, err)
	}
	if r.Status == RequestStatusApproved && r.ResultingCardID == "" {
		return Internal("approved request %s has no card", r.ID)
	}
	return nil
}

// Clone возвращает независимую копию заявки.
func (r CardRequest) Clone() CardRequest {
	if r.RequestedLimit != nil {
		v := *r.RequestedLimit
		r.RequestedLimit = &v
	}
	if r.Decision != nil {
		d := *r.Decision
		if d.ApprovedLimit != nil {
			v := *d.ApprovedLimit
			d.ApprovedLimit = &v
		}
		r.Decision = &d
	}
	return r
}

func (d Decision) validate() error {
	switch d.Source {
	case DecisionSourceAuto:
	case DecisionSourceAdmin:
		if d.AdminID == "" {
			return Validation("admin decision requires admin id")
		}
	default:
		return Validation("unknown decision source %q", d.Source)
	}
	if d.DecidedAt.IsZero() {
		return Validation("decision time is required")
	}
	return nil
}
