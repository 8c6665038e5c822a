/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     One zap line per request (requestLogger below)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for browser clients

ROUTE GROUPS:
  /api/tiers, /api/events/*   Capacity
  /api/holds/*                Holds and checkout
  /api/payments/*             Payments and provider callbacks
  /api/wallets/*, transfers   Wallet ledger
  /api/tickets/*              Issuance and the gate
  /api/reconciliation/*       Flags and manual runs
  /health, /metrics           Liveness and Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", idempotencyKeyHeader},
		ExposedHeaders: []string{replayHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", monitoring.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Capacity routes
		r.Post("/tiers", h.UpsertTier)
		r.Get("/events/{eventID}/tiers", h.ListTiers)

		// Hold routes
		r.Route("/holds", func(r chi.Router) {
			r.Post("/", h.CreateHold)
			r.Get("/{token}", h.GetHold)
			r.Post("/{token}/release", h.ReleaseHold)
			r.Post("/{token}/confirm", h.ConfirmHold)
			r.Post("/{token}/checkout", h.PayHold)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.InitiatePayment)
			r.Post("/callback", h.PaymentCallback)
			r.Get("/{key}", h.GetPayment)
			r.Post("/{key}/poll", h.PollPayment)
			r.Post("/{key}/reverse", h.ReversePayment)
		})

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Get("/{id}", h.GetWallet)
			r.Get("/{id}/transactions", h.ListWalletTransactions)
			r.Post("/{id}/transactions", h.PostWalletTransaction)
			r.Get("/{id}/replay", h.ReplayWallet)
		})
		r.Post("/transfers", h.Transfer)

		// Ticket routes
		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", h.IssueTicket)
			r.Post("/scan", h.ScanTicket)
			r.Get("/{code}", h.GetTicket)
			r.Post("/{code}/cancel", h.CancelTicket)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/flags", h.ListFlags)
			r.Post("/run", h.RunReconciliation)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if ww.Status() >= http.StatusInternalServerError {
				zap.L().Warn("HTTP request", fields...)
				return
			}
			zap.L().Info("HTTP request", fields...)
		}()
		next.ServeHTTP(ww, r)
	})
}
