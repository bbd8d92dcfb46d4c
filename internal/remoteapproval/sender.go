package remoteapproval

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender пишет сообщения в журнал вместо отправки. Используется, когда шлюз WhatsApp не настроен.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создаёт отправителя в журнал.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send записывает сообщение в журнал и возвращает локальный идентификатор.
func (s *LogSender) Send(_ context.Context, phone, text string) (string, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("whatsapp message logged",
		zap.String("messageID", id),
		zap.String("phone", phone),
		zap.String("text", text),
	)
	return id, nil
}
