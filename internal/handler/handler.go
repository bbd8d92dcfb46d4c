// Package handler содержит HTTP-обработчики API сервиса выдачи карт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/middleware"
	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/remoteapproval"
	"github.com/mmeshcher/cardservice/internal/service"
	"github.com/mmeshcher/cardservice/internal/whatsapp"
)

// IdempotencyHeader содержит ключ идемпотентности мутирующего запроса.
const IdempotencyHeader = "Idempotency-Key"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureUser(ctx context.Context, id service.Identity) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	RequestCard(ctx context.Context, cmd service.Command, in service.RequestCardInput) (*service.Outcome[service.RequestCardResult], error)
	GetCardRequest(ctx context.Context, actor service.Actor, id string) (*model.CardRequest, error)
	ListUserRequests(ctx context.Context, userID string) ([]model.CardRequest, error)
	ListPendingRequests(ctx context.Context, actor service.Actor, limit int) ([]model.CardRequest, error)
	AdminApprove(ctx context.Context, cmd service.Command, requestID string, in service.AdminApproveInput) (*service.Outcome[service.DecisionResult], error)
	AdminReject(ctx context.Context, cmd service.Command, requestID string, in service.AdminRejectInput) (*service.Outcome[service.DecisionResult], error)

	ListUserCards(ctx context.Context, userID string) ([]model.Card, error)
	GetCard(ctx context.Context, actor service.Actor, cardID string) (*model.Card, error)
	ListTransactions(ctx context.Context, actor service.Actor, cardID string, limit int) ([]model.Transaction, error)
	Purchase(ctx context.Context, cmd service.Command, cardID string, in service.PurchaseInput) (*service.Outcome[service.PurchaseResult], error)
	Payment(ctx context.Context, cmd service.Command, cardID string, in service.PaymentInput) (*service.Outcome[service.PaymentResult], error)
	AdminSetCardStatus(ctx context.Context, cmd service.Command, cardID string, in service.SetCardStatusInput) (*service.Outcome[service.CardResult], error)

	AdminAdjustScore(ctx context.Context, cmd service.Command, userID string, in service.AdjustScoreInput) (*service.Outcome[service.ScoreResult], error)
	ScoreHistory(ctx context.Context, actor service.Actor, userID string, limit int) ([]model.Score, error)

	RequestAccountDeletion(ctx context.Context, actor service.Actor) (*service.DeletionChallenge, error)
	ConfirmAccountDeletion(ctx context.Context, cmd service.Command, token string) (*service.Outcome[service.DeletionResult], error)

	AdminRequeueEvent(ctx context.Context, cmd service.Command, eventID, reason string) (*service.Outcome[service.EventResult], error)
	ListDeadLetterEvents(ctx context.Context, actor service.Actor, limit int) ([]model.OutboxEvent, error)
	ListEntityEvents(ctx context.Context, actor service.Actor, entityID string) ([]model.OutboxEvent, error)
	AuditTrail(ctx context.Context, actor service.Actor, targetType, targetID string) ([]model.AuditLog, error)
}

// WebhookProcessor обрабатывает входящие события шлюза сообщений.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, ev whatsapp.WebhookEvent) remoteapproval.WebhookResponse
}

// ConnectionChecker проверяет доступность внешнего транспорта.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса выдачи карт.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhook        WebhookProcessor
	webhookSecret  string
	transport      ConnectionChecker
}

// Option настраивает обработчик.
type Option func(*Handler)

// WithWebhook подключает обработчик вебхука удалённого канала. Пустой секрет отключает проверку.
func WithWebhook(p WebhookProcessor, secret string) Option {
	return func(h *Handler) {
		h.webhook = p
		h.webhookSecret = secret
	}
}

// WithTransportCheck подключает проверку транспорта к /healthz.
func WithTransportCheck(c ConnectionChecker) Option {
	return func(h *Handler) {
		h.transport = c
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type actorKey struct{}

// identify сопоставляет утверждения токена с пользователем сервиса.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		u, err := h.service.EnsureUser(r.Context(), service.Identity{
			ExternalID: claims.Subject,
			Email:      claims.Email,
			Role:       claims.Role,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		actor := service.Actor{ID: u.ID, Admin: u.IsAdmin()}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) service.Actor {
	a, _ := r.Context().Value(actorKey{}).(service.Actor)
	return a
}

func commandFrom(r *http.Request) service.Command {
	return service.Command{
		Actor:          actorFrom(r),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		CorrelationID:  chimiddleware.GetReqID(r.Context()),
	}
}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor сопоставляет категорию ошибки со статусом HTTP.
func statusFor(err error) int {
	switch {
	case model.HasCode(err, model.CodeTokenInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Code: model.CodeInvariantViolated, Message: http.StatusText(status)}

	var de *model.Error
	if errors.As(err, &de) && status != http.StatusInternalServerError {
		resp = errorResponse{Code: de.Code, Message: de.Message, Details: de.Details}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOutcome пишет сохранённый ответ команды без повторной сериализации.
func writeOutcome[T any](w http.ResponseWriter, out *service.Outcome[T]) {
	w.Header().Set("Content-Type", "application/json")
	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.WriteHeader(out.StatusCode)
	_, _ = w.Write(out.Raw)
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Validation("limit must be a non-negative integer")
	}
	return n, nil
}
