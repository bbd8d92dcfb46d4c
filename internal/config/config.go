// Package config содержит логику чтения конфигурации сервиса выдачи карт.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса выдачи карт.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	EventSinkURL string `env:"EVENT_SINK_URL"`
	AuthSecret   string `env:"AUTH_SECRET"`

	WhatsAppAPIURL      string   `env:"WHATSAPP_API_URL"`
	WhatsAppSession     string   `env:"WHATSAPP_SESSION" envDefault:"default"`
	WhatsAppAPIKey      string   `env:"WHATSAPP_API_KEY"`
	WhatsAppAdminPhones []string `env:"WHATSAPP_ADMIN_PHONES" envSeparator:","`
	WebhookSecret       string   `env:"WEBHOOK_SECRET"`

	OutboxInterval            time.Duration `env:"OUTBOX_INTERVAL" envDefault:"60s"`
	NotificationRetryInterval time.Duration `env:"NOTIFICATION_RETRY_INTERVAL" envDefault:"30s"`
	IdempotencyTTL            time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	ApprovalTTL               time.Duration `env:"APPROVAL_TTL" envDefault:"24h"`
	InitialScore              int           `env:"INITIAL_SCORE" envDefault:"500"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWhatsAppURL := cfg.WhatsAppAPIURL
	envEventSinkURL := cfg.EventSinkURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.WhatsAppAPIURL, "w", "", "whatsapp gateway base URL")
	flag.StringVar(&cfg.EventSinkURL, "e", "", "outbox event sink URL, events are logged when empty")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWhatsAppURL != "" {
		cfg.WhatsAppAPIURL = envWhatsAppURL
	}
	if envEventSinkURL != "" {
		cfg.EventSinkURL = envEventSinkURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InitialScore < 0 || c.InitialScore > 1000 {
		return fmt.Errorf("INITIAL_SCORE must be within 0..1000, got %d", c.InitialScore)
	}
	for name, d := range map[string]time.Duration{
		"OUTBOX_INTERVAL":             c.OutboxInterval,
		"NOTIFICATION_RETRY_INTERVAL": c.NotificationRetryInterval,
		"IDEMPOTENCY_TTL":             c.IdempotencyTTL,
		"APPROVAL_TTL":                c.ApprovalTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
