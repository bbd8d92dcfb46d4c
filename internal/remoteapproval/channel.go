package remoteapproval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/service"
	"github.com/mmeshcher/cardservice/internal/whatsapp"
)

// Действия в ответе на вебхук.
const (
	ActionApproved = "approved"
	ActionRejected = "rejected"
	ActionIgnored  = "ignored"
	ActionError    = "error"
)

// Причины, по которым сообщение проигнорировано.
const (
	ReasonNotMessage       = "not_message"
	ReasonFromMe           = "from_me"
	ReasonGroupMessage     = "group_message"
	ReasonNotWhitelisted   = "not_whitelisted"
	ReasonInvalidCommand   = "invalid_command"
	ReasonRequestNotFound  = "request_not_found"
	ReasonAmbiguousID      = "ambiguous_request_id"
	ReasonRequestExpired   = "request_expired"
	ReasonAlreadyProcessed = "already_processed"
)

const errInternal = "internal_error"

// ActorPrefix предшествует номеру телефона в идентификаторе администратора удалённого канала.
const ActorPrefix = "whatsapp:"

// WebhookResponse описывает ответ на вебхук шлюза.
type WebhookResponse struct {
	OK        bool   `json:"ok"`
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

func ignored(reason string) WebhookResponse {
	return WebhookResponse{OK: true, Action: ActionIgnored, Reason: reason}
}

func failed() WebhookResponse {
	return WebhookResponse{OK: false, Action: ActionError, Error: errInternal}
}

// Approver выполняет решения администратора.
type Approver interface {
	AdminApprove(ctx context.Context, cmd service.Command, requestID string, in service.AdminApproveInput) (*service.Outcome[service.DecisionResult], error)
	AdminReject(ctx context.Context, cmd service.Command, requestID string, in service.AdminRejectInput) (*service.Outcome[service.DecisionResult], error)
}

// Sender отправляет текстовые сообщения.
type Sender interface {
	Send(ctx context.Context, phone, text string) (string, error)
}

// ChannelStore описывает операции хранилища, нужные каналу.
type ChannelStore interface {
	repository.WhatsAppInboundRepository
	repository.PendingApprovalRepository
	GetCardRequest(ctx context.Context, id string) (*model.CardRequest, error)
}

// Channel обрабатывает ответы администраторов, пришедшие вебхуком.
type Channel struct {
	store       ChannelStore
	approver    Approver
	sender      Sender
	whitelist   *Whitelist
	logger      *zap.Logger
	now         func() time.Time
	sendTimeout time.Duration
}

// NewChannel создаёт канал. Sender может быть nil, тогда подтверждения не отправляются.
func NewChannel(store ChannelStore, approver Approver, sender Sender, whitelist *Whitelist, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		store:       store,
		approver:    approver,
		sender:      sender,
		whitelist:   whitelist,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sendTimeout: 10 * time.Second,
	}
}

// SetClock подменяет источник времени.
func (c *Channel) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// HandleWebhook обрабатывает вебхук. Ошибки наружу не передаются.
func (c *Channel) HandleWebhook(ctx context.Context, ev whatsapp.WebhookEvent) WebhookResponse {
	switch {
	case !ev.IsMessage():
		return ignored(ReasonNotMessage)
	case ev.Data.FromMe:
		return ignored(ReasonFromMe)
	case ev.Data.IsGroup():
		return ignored(ReasonGroupMessage)
	}

	phone := NormalizePhone(ev.Data.From)
	msg := &model.WhatsAppInboundMessage{
		ID:         ev.Data.ID,
		From:       phone,
		Body:       ev.Data.Body,
		Status:     model.InboundReceived,
		ReceivedAt: c.now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	created, err := c.store.CreateInboundMessage(ctx, msg)
	if err != nil {
		c.logger.Error("failed to record inbound message", zap.String("messageID", msg.ID), zap.Error(err))
		return failed()
	}
	if !created {
		prev, err := c.store.GetInboundMessage(ctx, msg.ID)
		if err != nil {
			c.logger.Error("failed to load inbound message", zap.String("messageID", msg.ID), zap.Error(err))
			return failed()
		}
		// Сообщение, обработка которого упала, повторяется под тем же ключом идемпотентности.
		if prev.Status != model.InboundFailed {
			return redelivered(prev)
		}
		msg = prev
	}

	resp := c.process(ctx, msg, phone)
	c.complete(ctx, msg, resp)
	return resp
}

func (c *Channel) process(ctx context.Context, msg *model.WhatsAppInboundMessage, phone string) WebhookResponse {
	if !c.whitelist.Allowed(phone) {
		c.logger.Warn("message from non-whitelisted sender", zap.String("from", phone))
		return ignored(ReasonNotWhitelisted)
	}

	parsed := ParseCommand(msg.Body)
	if parsed.Kind == CommandUnknown {
		return ignored(ReasonInvalidCommand)
	}

	tracker, reason, err := c.resolveTracker(ctx, parsed.RequestID)
	if err != nil {
		c.logger.Error("failed to resolve approval", zap.String("requestRef", parsed.RequestID), zap.Error(err))
		return failed()
	}
	if reason != "" {
		return ignored(reason)
	}

	req, err := c.store.GetCardRequest(ctx, tracker.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			return ignored(ReasonRequestNotFound)
		}
		c.logger.Error("failed to load card request", zap.String("requestID", tracker.RequestID), zap.Error(err))
		return failed()
	}
	if !req.IsPending() {
		return withRequest(ignored(ReasonAlreadyProcessed), req.ID)
	}
	if tracker.ApprovalStatus == model.ApprovalExpired || !msg.ReceivedAt.Before(tracker.ExpiresAt) {
		return withRequest(ignored(ReasonRequestExpired), req.ID)
	}

	cmd := service.Command{
		Actor:          service.Actor{ID: ActorPrefix + phone, Admin: true},
		IdempotencyKey: ActorPrefix + msg.ID,
		CorrelationID:  msg.ID,
	}

	var action string
	switch parsed.Kind {
	case CommandApprove:
		action = ActionApproved
		_, err = c.approver.AdminApprove(ctx, cmd, req.ID, service.AdminApproveInput{Reason: "approved via whatsapp", RespondedBy: phone})
	case CommandReject:
		action = ActionRejected
		_, err = c.approver.AdminReject(ctx, cmd, req.ID, service.AdminRejectInput{Reason: "rejected via whatsapp", RespondedBy: phone})
	}
	if err != nil {
		if model.HasCode(err, model.CodeRequestNotPending) {
			return withRequest(ignored(ReasonAlreadyProcessed), req.ID)
		}
		c.logger.Error("remote decision failed",
			zap.String("requestID", req.ID),
			zap.String("action", action),
			zap.Error(err),
		)
		return failed()
	}

	c.logger.Info("card request decided via whatsapp",
		zap.String("requestID", req.ID),
		zap.String("action", action),
		zap.String("by", phone),
	)
	c.confirm(ctx, phone, action, req)
	return WebhookResponse{OK: true, Action: action, RequestID: req.ID}
}

// resolveTracker находит трекер по полному или короткому идентификатору.
// Среди совпадений по короткому идентификатору предпочитаются ожидающие решения.
func (c *Channel) resolveTracker(ctx context.Context, ref string) (*model.PendingApprovalTracker, string, error) {
	if len(ref) != model.ShortIDLength {
		t, err := c.store.GetPendingApproval(ctx, strings.ToLower(ref))
		if errors.Is(err, repository.ErrApprovalNotFound) {
			return nil, ReasonRequestNotFound, nil
		}
		if err != nil {
			return nil, "", err
		}
		return t, "", nil
	}

	matches, err := c.store.FindPendingApprovalsByShortID(ctx, strings.ToUpper(ref))
	if err != nil {
		return nil, "", err
	}
	if len(matches) == 0 {
		return nil, ReasonRequestNotFound, nil
	}

	var open []model.PendingApprovalTracker
	for _, t := range matches {
		if t.ApprovalStatus == model.ApprovalPending {
			open = append(open, t)
		}
	}
	switch len(open) {
	case 0:
		latest := matches[len(matches)-1]
		return &latest, "", nil
	case 1:
		return &open[0], "", nil
	default:
		return nil, ReasonAmbiguousID, nil
	}
}

// redelivered отвечает на повторную доставку. Решение, принятое по сообщению, повторно не сообщается.
func redelivered(prev *model.WhatsAppInboundMessage) WebhookResponse {
	if prev.Status == model.InboundIgnored {
		return withRequest(ignored(prev.Reason), prev.RequestID)
	}
	return withRequest(ignored(ReasonAlreadyProcessed), prev.RequestID)
}

func (c *Channel) complete(ctx context.Context, msg *model.WhatsAppInboundMessage, resp WebhookResponse) {
	status := model.InboundIgnored
	switch {
	case !resp.OK:
		status = model.InboundFailed
	case resp.Action == ActionApproved || resp.Action == ActionRejected:
		status = model.InboundProcessed
	}
	msg.Complete(status, resp.Action, resp.Reason, resp.RequestID, c.now())
	if err := c.store.UpdateInboundMessage(ctx, msg); err != nil {
		c.logger.Warn("failed to update inbound message", zap.String("messageID", msg.ID), zap.Error(err))
	}
}

func (c *Channel) confirm(ctx context.Context, phone, action string, req *model.CardRequest) {
	if c.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
	defer cancel()

	text := fmt.Sprintf("Request %s (%s) %s.", req.ShortID(), req.ID, action)
	if _, err := c.sender.Send(ctx, phone, text); err != nil {
		c.logger.Warn("failed to send confirmation", zap.String("requestID", req.ID), zap.Error(err))
	}
}

func withRequest(r WebhookResponse, requestID string) WebhookResponse {
	r.RequestID = requestID
	return r
}
