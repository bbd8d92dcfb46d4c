package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
)

// Publisher доставляет событие во внешний поток.
type Publisher interface {
	Publish(ctx context.Context, e model.OutboxEvent) error
}

// Store описывает операции хранилища, нужные диспетчеру.
type Store interface {
	ListDueEvents(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error)
	UpdateEventDelivery(ctx context.Context, e *model.OutboxEvent) error
}

// Stats содержит итоги одного прохода по очереди.
type Stats struct {
	Selected     int
	Sent         int
	Failed       int
	DeadLettered int
	Skipped      int
}

// Dispatcher периодически выбирает готовые события и публикует их.
type Dispatcher struct {
	store          Store
	publisher      Publisher
	logger         *zap.Logger
	interval       time.Duration
	batchSize      int
	publishTimeout time.Duration
	now            func() time.Time

	draining sync.Mutex
}

// Option настраивает диспетчер.
type Option func(*Dispatcher)

// WithInterval задаёт период опроса очереди.
func WithInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.interval = d
		}
	}
}

// WithBatchSize задаёт максимальное число событий за проход.
func WithBatchSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.batchSize = n
		}
	}
}

// WithPublishTimeout задаёт таймаут одной публикации.
func WithPublishTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.publishTimeout = d
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) {
		if now != nil {
			disp.now = now
		}
	}
}

// NewDispatcher создаёт диспетчер с интервалом 60 секунд и пакетом в 100 событий.
func NewDispatcher(store Store, publisher Publisher, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:          store,
		publisher:      publisher,
		logger:         logger,
		interval:       60 * time.Second,
		batchSize:      100,
		publishTimeout: 10 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run опрашивает очередь до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := d.DrainOnce(ctx)
			if err != nil {
				d.logger.Error("outbox drain failed", zap.Error(err))
				continue
			}
			if stats.Selected > 0 {
				d.logger.Info("outbox drained",
					zap.Int("selected", stats.Selected),
					zap.Int("sent", stats.Sent),
					zap.Int("failed", stats.Failed),
					zap.Int("deadLettered", stats.DeadLettered),
					zap.Int("skipped", stats.Skipped),
				)
			}
		}
	}
}

// DrainOnce выполняет один проход по очереди. Если проход уже идёт, возвращает пустую статистику.
func (d *Dispatcher) DrainOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if !d.draining.TryLock() {
		return stats, nil
	}
	defer d.draining.Unlock()

	now := d.now()
	events, err := d.store.ListDueEvents(ctx, now, d.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list due events: %w", err)
	}
	stats.Selected = len(events)

	// Сущности, событие которых не удалось доставить в этом проходе.
	blocked := make(map[string]bool)

	for i := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		e := &events[i]
		if blocked[e.EntityID] {
			stats.Skipped++
			continue
		}

		if err := d.publish(ctx, *e); err != nil {
			blocked[e.EntityID] = true
			MarkFailed(e, err, now)
			if e.Status == model.EventStatusDeadLetter {
				stats.DeadLettered++
				d.logger.Error("outbox event moved to dead letter",
					zap.String("eventID", e.ID),
					zap.String("eventType", e.EventType),
					zap.String("entityID", e.EntityID),
					zap.Int("retryCount", e.RetryCount),
					zap.Error(err),
				)
			} else {
				stats.Failed++
				d.logger.Warn("outbox event delivery failed",
					zap.String("eventID", e.ID),
					zap.String("eventType", e.EventType),
					zap.Int("retryCount", e.RetryCount),
					zap.Time("nextRetryAt", e.NextRetryAt),
					zap.Error(err),
				)
			}
		} else {
			MarkSent(e, now)
			stats.Sent++
		}

		if err := d.store.UpdateEventDelivery(ctx, e); err != nil {
			return stats, fmt.Errorf("update event %s: %w", e.ID, err)
		}
	}

	return stats, nil
}

func (d *Dispatcher) publish(ctx context.Context, e model.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, e)
}
