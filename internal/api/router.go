package api

import (
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/api/handler"
	"github.com/escrowsim/escrow-engine/internal/api/middleware"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Services groups the orchestration services the router exposes over HTTP.
type Services struct {
	Clients        *service.ClientService
	Addresses      *service.AddressService
	Releases       *service.ReleaseService
	Quotes         *service.QuoteService
	Payouts        *service.PayoutService
	Reconciliation *service.ReconciliationService
	Webhooks       *service.WebhookService
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *pgxpool.Pool
	redis  redis.Cmdable
	svcs   Services
}

// NewRouter wires the HTTP surface. db and redis may be nil when the
// instance runs on the in-memory store, as in tests.
func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, rdb redis.Cmdable, svcs Services) *Router {
	return &Router{cfg: cfg, logger: logger, db: db, redis: rdb, svcs: svcs}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	webhookHandler := handler.NewWebhookHandler(api.svcs.Webhooks)
	clientHandler := handler.NewClientHandler(api.svcs.Clients)
	addressHandler := handler.NewAddressHandler(api.svcs.Addresses)
	releaseHandler := handler.NewReleaseHandler(api.svcs.Releases, api.svcs.Quotes)
	payoutHandler := handler.NewPayoutHandler(api.svcs.Payouts)
	reconciliationHandler := handler.NewReconciliationHandler(api.svcs.Reconciliation)

	// Public routes
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Custodian webhooks, authenticated by HMAC signature
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/deposit", webhookHandler.HandleFundingEvent)
		r.Post("/v1/webhooks/payout-sent", webhookHandler.HandlePayoutSent)
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		// Clients and balances
		r.Post("/v1/clients", clientHandler.CreateClient)
		r.Get("/v1/clients/{id}", clientHandler.GetClient)
		r.Get("/v1/clients/{id}/balances/{currency}", clientHandler.GetBalance)
		r.Get("/v1/transactions/{id}/entries", clientHandler.GetLedgerEntries)
		r.Get("/v1/balances", clientHandler.GetInternalTotals)

		// Destination whitelist
		r.Post("/v1/clients/{id}/addresses", addressHandler.AddAddress)
		r.Patch("/v1/addresses/{id}/status", addressHandler.SetStatus)

		// Release workflow
		r.Post("/v1/release-requests", releaseHandler.CreateRequest)
		r.Get("/v1/release-requests/{id}", releaseHandler.GetRequest)
		r.Post("/v1/release-requests/{id}/approvals", releaseHandler.Approve)
		r.Post("/v1/release-requests/{id}/quote", releaseHandler.Quote)
		r.Post("/v1/release-requests/{id}/payout", payoutHandler.Execute)
		r.Get("/v1/payouts/{id}", payoutHandler.GetPayout)

		// Reconciliation
		r.Post("/v1/reconciliation/runs", reconciliationHandler.Run)
	})

	return r
}
