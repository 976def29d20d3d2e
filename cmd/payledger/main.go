// Package main запускает HTTP-сервер сервиса payledger.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/payledger-system/internal/audit"
	"github.com/mmeshcher/payledger-system/internal/config"
	"github.com/mmeshcher/payledger-system/internal/handler"
	"github.com/mmeshcher/payledger-system/internal/middleware"
	"github.com/mmeshcher/payledger-system/internal/provider"
	"github.com/mmeshcher/payledger-system/internal/ratelimit"
	"github.com/mmeshcher/payledger-system/internal/repository"
	"github.com/mmeshcher/payledger-system/internal/service"
	"github.com/mmeshcher/payledger-system/internal/signature"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	// Недоступный или ненастроенный Redis не мешает запуску:
	// шлюз ограничений работает в режиме fail-open.
	var redisClient *redis.Client
	if cfg.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	} else {
		sugar.Warnw("rate limit store not configured, gate degraded")
	}
	gate := ratelimit.NewGate(redisClient, logger)

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderKeyID, cfg.ProviderKeySecret)
	verifier := signature.NewVerifier(cfg.ProviderKeySecret, cfg.WebhookSecret)
	auditor := audit.NewLogger(repo, logger)

	svc := service.NewService(repo, providerClient, verifier, auditor, service.Options{
		CreditRetryAttempts: cfg.CreditRetryAttempts,
		CreditRetryDelay:    cfg.CreditRetryDelay,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, gate)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой очистки просроченных ключей идемпотентности
	g.Go(func() error {
		svc.StartKeyCleanup(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting payledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
