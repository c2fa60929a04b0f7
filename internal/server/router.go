package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/handler/admin"
	"github.com/ton-stars-service/internal/middleware"
	"github.com/ton-stars-service/internal/service"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Health *handler.HealthHandler
	Info   *handler.InfoHandler

	Ledger    *service.LedgerService
	Monitor   admin.Monitor
	Purchaser service.Purchaser
	Wallet    admin.CompletionWaiter
	MaxStars  int

	// AdminAuth guards /admin. Without it the admin routes are not mounted.
	AdminAuth       func(http.Handler) http.Handler
	PurchaseLimiter *middleware.RateLimiter
	CORSOrigins     []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Method(http.MethodGet, "/health", d.Health)
	r.Method(http.MethodGet, "/info", d.Info)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if d.AdminAuth == nil {
		return r
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(d.AdminAuth)
		r.Use(middleware.RequireJSON)

		r.Method(http.MethodGet, "/transactions", admin.NewTransactionsHandler(d.Ledger))
		r.Method(http.MethodGet, "/transactions/{hash}", admin.NewTransactionHandler(d.Ledger))
		r.Method(http.MethodPut, "/transactions/{hash}", admin.NewSaveTransactionHandler(d.Ledger))
		r.Method(http.MethodGet, "/stats", admin.NewStatsHandler(d.Ledger))
		r.Method(http.MethodGet, "/stuck", admin.NewStuckHandler(d.Monitor))
		r.Method(http.MethodPost, "/monitor/run", admin.NewRunCycleHandler(d.Monitor))

		if d.Wallet != nil {
			r.Method(http.MethodGet, "/outgoing/{ref}", admin.NewOutgoingStatusHandler(d.Wallet, 0))
		}

		purchase := http.Handler(admin.NewPurchaseHandler(d.Purchaser, d.MaxStars))
		if d.PurchaseLimiter != nil {
			purchase = middleware.RateLimit(d.PurchaseLimiter)(purchase)
		}
		r.Method(http.MethodPost, "/purchases", purchase)
	})

	return r
}
