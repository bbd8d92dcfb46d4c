package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
)

// LogPublisher пишет события в журнал. Используется, когда внешний приёмник не настроен.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт публикатор в журнал.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish записывает событие в журнал.
func (p *LogPublisher) Publish(_ context.Context, e model.OutboxEvent) error {
	p.logger.Info("outbox event published",
		zap.String("eventID", e.ID),
		zap.String("eventType", e.EventType),
		zap.String("entityType", e.EntityType),
		zap.String("entityID", e.EntityID),
		zap.Int64("sequenceNumber", e.SequenceNumber),
	)
	return nil
}

// HTTPPublisher отправляет событие POST-запросом на адрес приёмника.
type HTTPPublisher struct {
	url        string
	httpClient *http.Client
}

// NewHTTPPublisher создаёт публикатор с пулом соединений.
func NewHTTPPublisher(url string) *HTTPPublisher {
	return &HTTPPublisher{
		url:        url,
		httpClient: cleanhttp.DefaultPooledClient(),
	}
}

// Publish отправляет конверт события. Любой ответ вне диапазона 2xx считается ошибкой.
func (p *HTTPPublisher) Publish(ctx context.Context, e model.OutboxEvent) error {
	body, err := json.Marshal(NewEnvelope(e))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", e.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("event sink responded with status %d", resp.StatusCode)
	}
	return nil
}
