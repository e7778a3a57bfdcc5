package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/escrowsim/escrow-engine/internal/api"
	"github.com/escrowsim/escrow-engine/internal/api/middleware"
	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/db"
	"github.com/escrowsim/escrow-engine/internal/gateway"
	"github.com/escrowsim/escrow-engine/internal/idempotency"
	"github.com/escrowsim/escrow-engine/internal/notifier"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/escrowsim/escrow-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	replayCache := idempotency.NewCache(redisClient, cfg.IdempotencyTTL)

	var notify notifier.Notifier = notifier.Nop{}
	if cfg.NotifyEndpoint != "" {
		notify = notifier.NewHTTPNotifier(cfg.NotifyEndpoint, cfg.WebhookHMACKey)
	}

	clientSvc := service.NewClientService(st, auditLog)
	addressSvc := service.NewAddressService(st, auditLog)
	depositSvc := service.NewDepositService(st, auditLog, replayCache)
	releaseSvc := service.NewReleaseService(st, addressSvc, auditLog, cfg.Approval)
	quoteSvc := service.NewQuoteService(st, auditLog, cfg.Quote)
	payoutSvc := service.NewPayoutService(st, gateway.NewMockSubmitter(), notify, auditLog, cfg.Payout)
	reconciliationSvc := service.NewReconciliationService(st, auditLog, cfg.ReportsDir)
	webhookSvc := service.NewWebhookService(depositSvc, payoutSvc, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)

	reconciliationWorker := worker.NewReconciliationWorker(reconciliationSvc).
		WithInterval(cfg.ReconciliationInterval)
	stopReconciliation := reconciliationWorker.Run(ctx)
	logger.Info("reconciliation worker started", zap.Duration("interval", cfg.ReconciliationInterval))

	auditVerifyWorker := worker.NewAuditVerifyWorker(auditLog).
		WithInterval(cfg.AuditVerifyInterval)
	stopAuditVerify := auditVerifyWorker.Run(ctx)
	logger.Info("audit verify worker started", zap.Duration("interval", cfg.AuditVerifyInterval))

	router := api.NewRouter(cfg, logger, pool, redisClient, api.Services{
		Clients:        clientSvc,
		Addresses:      addressSvc,
		Releases:       releaseSvc,
		Quotes:         quoteSvc,
		Payouts:        payoutSvc,
		Reconciliation: reconciliationSvc,
		Webhooks:       webhookSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopReconciliation()
	stopAuditVerify()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
