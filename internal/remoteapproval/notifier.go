package remoteapproval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
)

// MaxNotificationAttempts ограничивает число попыток отправки уведомления.
const MaxNotificationAttempts = 3

const notificationBaseDelay = 60 * time.Second

// NotificationBackoff возвращает задержку перед повтором: 60s × 2^retryCount.
func NotificationBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return notificationBaseDelay << retryCount
}

// NotifierStore описывает операции хранилища, нужные рассылке.
type NotifierStore interface {
	repository.PendingApprovalRepository
	repository.WhatsAppNotificationRepository
	GetUser(ctx context.Context, id string) (*model.User, error)
	InTx(ctx context.Context, fn func(tx repository.Store) error) error
}

// Notifier рассылает администраторам приглашения принять решение по заявке.
type Notifier struct {
	store       NotifierStore
	sender      Sender
	whitelist   *Whitelist
	logger      *zap.Logger
	now         func() time.Time
	ttl         time.Duration
	interval    time.Duration
	batchSize   int
	sendTimeout time.Duration

	sweeping sync.Mutex
}

// NotifierOption настраивает рассылку.
type NotifierOption func(*Notifier)

// WithApprovalTTL задаёт срок ожидания ответа администратора.
func WithApprovalTTL(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.ttl = d
		}
	}
}

// WithRetryInterval задаёт период повторной отправки.
func WithRetryInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.interval = d
		}
	}
}

// WithSendTimeout задаёт таймаут одной отправки.
func WithSendTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.sendTimeout = d
		}
	}
}

// WithNotifierClock подменяет источник времени.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNotifier создаёт рассылку с ожиданием ответа 24 часа и повтором раз в 30 секунд.
func NewNotifier(store NotifierStore, sender Sender, whitelist *Whitelist, logger *zap.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		store:       store,
		sender:      sender,
		whitelist:   whitelist,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		ttl:         24 * time.Hour,
		interval:    30 * time.Second,
		batchSize:   50,
		sendTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyPendingRequest создаёт трекер согласования и отправляет уведомление каждому администратору.
// Ошибки отправки не возвращаются: такие уведомления повторяет RetryFailed.
func (n *Notifier) NotifyPendingRequest(ctx context.Context, req *model.CardRequest) error {
	now := n.now()
	tracker := model.NewPendingApprovalTracker(req, n.ttl, now)

	var email string
	if u, err := n.store.GetUser(ctx, req.UserID); err == nil {
		email = u.Email
	}
	text := FormatApprovalMessage(req, email)

	phones := n.whitelist.Phones()
	if len(phones) == 0 {
		n.logger.Warn("no whatsapp admins configured", zap.String("requestID", req.ID))
	}
	notifications := make([]*model.WhatsAppNotification, 0, len(phones))
	for i, phone := range phones {
		msg := model.NewWhatsAppNotification(req.ID, phone, text, now)
		// Пока идёт первая отправка, RetryFailed не должен брать уведомление.
		msg.NextRetryAt = now.Add(n.sendTimeout * time.Duration(i+1))
		notifications = append(notifications, msg)
		tracker.NotificationIDs = append(tracker.NotificationIDs, msg.ID)
	}

	err := n.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreatePendingApproval(ctx, tracker); err != nil {
			return err
		}
		for _, msg := range notifications {
			if err := tx.CreateNotification(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrApprovalExists) {
			return nil
		}
		return fmt.Errorf("create approval tracker: %w", err)
	}

	var errs []error
	for _, msg := range notifications {
		if err := n.deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryFailed повторяет отправку уведомлений, срок повтора которых наступил.
func (n *Notifier) RetryFailed(ctx context.Context) (int, error) {
	due, err := n.store.ListNotificationsForRetry(ctx, n.now(), n.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list notifications for retry: %w", err)
	}

	sent := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		msg := &due[i]

		t, err := n.store.GetPendingApproval(ctx, msg.RequestID)
		if err != nil && !errors.Is(err, repository.ErrApprovalNotFound) {
			return sent, err
		}
		if t == nil || t.IsTerminal() {
			msg.Status = model.NotificationDeadLetter
			msg.LastError = "approval is no longer pending"
			if err := n.store.UpdateNotification(ctx, msg); err != nil {
				return sent, err
			}
			continue
		}

		if err := n.deliver(ctx, msg); err != nil {
			return sent, err
		}
		if msg.Status == model.NotificationSent {
			sent++
		}
	}
	return sent, nil
}

// ExpireTrackers переводит просроченные согласования в статус expired.
func (n *Notifier) ExpireTrackers(ctx context.Context) (int, error) {
	now := n.now()
	expired, err := n.store.ListExpiredPendingApprovals(ctx, now, n.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	count := 0
	for _, t := range expired {
		// Решение, записанное после выборки, не перезаписывается.
		ok, err := n.store.ExpirePendingApproval(ctx, t.RequestID, now)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		count++
		n.logger.Info("approval expired without response", zap.String("requestID", t.RequestID))
	}
	return count, nil
}

// Run повторяет отправку и закрывает просроченные согласования до отмены контекста.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.sweep(ctx)
		}
	}
}

func (n *Notifier) sweep(ctx context.Context) {
	if !n.sweeping.TryLock() {
		return
	}
	defer n.sweeping.Unlock()

	if sent, err := n.RetryFailed(ctx); err != nil {
		n.logger.Error("notification retry failed", zap.Error(err))
	} else if sent > 0 {
		n.logger.Info("notifications resent", zap.Int("sent", sent))
	}
	if _, err := n.ExpireTrackers(ctx); err != nil {
		n.logger.Error("approval expiry failed", zap.Error(err))
	}
}

// deliver отправляет уведомление и сохраняет результат. Возвращает только ошибки хранилища.
func (n *Notifier) deliver(ctx context.Context, msg *model.WhatsAppNotification) error {
	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	id, err := n.sender.Send(sendCtx, msg.Phone, msg.Message)
	cancel()

	now := n.now()
	if err != nil {
		markNotificationFailed(msg, err, now)
		fields := []zap.Field{
			zap.String("notificationID", msg.ID),
			zap.String("requestID", msg.RequestID),
			zap.Int("retryCount", msg.RetryCount),
			zap.Error(err),
		}
		if msg.Status == model.NotificationDeadLetter {
			n.logger.Error("notification moved to dead letter", fields...)
		} else {
			n.logger.Warn("notification delivery failed", append(fields, zap.Time("nextRetryAt", msg.NextRetryAt))...)
		}
	} else {
		msg.Status = model.NotificationSent
		msg.ProviderMessageID = id
		msg.LastError = ""
		msg.SentAt = &now
	}

	if err := n.store.UpdateNotification(ctx, msg); err != nil {
		return fmt.Errorf("update notification %s: %w", msg.ID, err)
	}
	return nil
}

func markNotificationFailed(msg *model.WhatsAppNotification, cause error, now time.Time) {
	prev := msg.RetryCount
	msg.RetryCount++
	msg.LastError = cause.Error()
	if msg.RetryCount >= MaxNotificationAttempts {
		msg.Status = model.NotificationDeadLetter
		return
	}
	msg.Status = model.NotificationFailed
	msg.NextRetryAt = now.Add(NotificationBackoff(prev))
}

// FormatApprovalMessage формирует текст уведомления с коротким и полным идентификатором заявки.
func FormatApprovalMessage(req *model.CardRequest, email string) string {
	var b strings.Builder
	b.WriteString("Card request needs review\n")
	if email != "" {
		fmt.Fprintf(&b, "Customer: %s\n", email)
	}
	fmt.Fprintf(&b, "Score: %d (%s tier)\n", req.ScoreAtRequest, req.TierAtRequest)
	if req.RequestedLimit != nil {
		fmt.Fprintf(&b, "Requested limit: %s\n", req.RequestedLimit.StringFixed(2))
	}
	fmt.Fprintf(&b, "Request: %s\nID: %s\n", req.ShortID(), req.ID)
	fmt.Fprintf(&b, "Reply YES %s to approve or NO %s to reject.", req.ShortID(), req.ShortID())
	return b.String()
}
