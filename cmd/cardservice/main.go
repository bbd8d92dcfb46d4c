// Package main запускает HTTP-сервер сервиса выдачи карт.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cardservice/internal/config"
	"github.com/mmeshcher/cardservice/internal/handler"
	"github.com/mmeshcher/cardservice/internal/middleware"
	"github.com/mmeshcher/cardservice/internal/outbox"
	"github.com/mmeshcher/cardservice/internal/remoteapproval"
	"github.com/mmeshcher/cardservice/internal/repository"
	"github.com/mmeshcher/cardservice/internal/service"
	"github.com/mmeshcher/cardservice/internal/whatsapp"
)

func openStore(cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory store")
		return repository.NewMemory(), nil
	}
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func newPublisher(cfg *config.Config, logger *zap.Logger) outbox.Publisher {
	if cfg.EventSinkURL == "" {
		return outbox.NewLogPublisher(logger)
	}
	return outbox.NewHTTPPublisher(cfg.EventSinkURL)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	svc := service.New(service.Deps{
		Store:          store,
		Logger:         logger.Named("service"),
		IdempotencyTTL: cfg.IdempotencyTTL,
		InitialScore:   cfg.InitialScore,
	})
	defer svc.Close()

	whitelist := remoteapproval.NewWhitelist(cfg.WhatsAppAdminPhones)
	client := whatsapp.NewClient(whatsapp.Config{
		BaseURL: cfg.WhatsAppAPIURL,
		Session: cfg.WhatsAppSession,
		APIKey:  cfg.WhatsAppAPIKey,
	})

	var (
		sender remoteapproval.Sender
		opts   []handler.Option
	)
	if client.Configured() {
		sender = client
		opts = append(opts, handler.WithTransportCheck(client))
		sugar.Infow("whatsapp approval channel enabled", "admins", whitelist.Len())
	} else {
		sender = remoteapproval.NewLogSender(logger.Named("whatsapp"))
		sugar.Warn("WHATSAPP_API_URL is empty, approval messages are written to the log")
	}

	notifier := remoteapproval.NewNotifier(store, sender, whitelist, logger.Named("notifier"),
		remoteapproval.WithApprovalTTL(cfg.ApprovalTTL),
		remoteapproval.WithRetryInterval(cfg.NotificationRetryInterval),
	)
	svc.SetNotifier(notifier)

	channel := remoteapproval.NewChannel(store, svc, sender, whitelist, logger.Named("channel"))
	opts = append(opts, handler.WithWebhook(channel, cfg.WebhookSecret))

	dispatcher := outbox.NewDispatcher(store, newPublisher(cfg, logger), logger.Named("outbox"),
		outbox.WithInterval(cfg.OutboxInterval),
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger.Named("http"), authMiddleware, opts...)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		return notifier.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting card service", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Остановка сервера при сигнале или ошибке в другой горутине
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
