// Package main запускает HTTP-сервер сервиса оплаты спринтов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/sprintpay/internal/config"
	"github.com/mmeshcher/sprintpay/internal/gateway"
	"github.com/mmeshcher/sprintpay/internal/handler"
	"github.com/mmeshcher/sprintpay/internal/metrics"
	"github.com/mmeshcher/sprintpay/internal/middleware"
	"github.com/mmeshcher/sprintpay/internal/notify"
	"github.com/mmeshcher/sprintpay/internal/repository"
	"github.com/mmeshcher/sprintpay/internal/service"
	"github.com/mmeshcher/sprintpay/internal/verification"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var (
		svcGateway    service.Gateway
		verifyGateway verification.Gateway
	)
	if cfg.GatewayBaseURL != "" {
		client := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout)
		svcGateway = client
		verifyGateway = client
	} else {
		sugar.Warn("payment gateway is not configured, checkout and reconciliation are disabled")
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		rabbit, err := notify.NewRabbitPublisher(cfg.AMQPURL)
		if err != nil {
			sugar.Fatalw("message broker initialization error", "error", err.Error())
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	svc := service.NewService(repo, svcGateway, publisher, logger, service.Options{
		RedirectURL:       cfg.RedirectURL(),
		CommissionPercent: cfg.CommissionPercent,
		TxAttempts:        cfg.TxAttempts,
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileAfter:    cfg.ReconcileAfter,
		ReconcileMaxAge:   cfg.ReconcileMaxAge,
	})
	defer svc.Close()

	backoff := verification.Backoff{
		Initial:     cfg.VerifyInitialDelay,
		Max:         cfg.VerifyMaxDelay,
		Multiplier:  verification.DefaultBackoff.Multiplier,
		MaxAttempts: cfg.VerifyMaxAttempts,
	}
	verifier := verification.NewVerifier(svc, verifyGateway, svc, backoff, cfg.LoginURL(), logger)

	if cfg.WebhookSecret == "" {
		sugar.Warn("webhook secret is empty, every webhook call will be rejected")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, verifier, logger, authMiddleware, cfg.WebhookSecret, cfg.AdminToken)

	r := h.SetupRouter(registry, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Проверка оплаты держит запрос на всё время опроса.
		WriteTimeout: verificationBudget(backoff) + 30*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Сверка зависших оплат со шлюзом
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting sprintpay server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

func verificationBudget(b verification.Backoff) time.Duration {
	var total time.Duration
	for i := 0; i < b.MaxAttempts-1; i++ {
		total += b.Delay(i)
	}
	return total
}
