/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the box office server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, then environment)
  2. Initialize the zap logger
  3. Open the SQLite store
  4. Select the payment gateway and notifier
  5. Wire the engine components and the API handler
  6. Start background jobs and the HTTP server

COMMAND-LINE FLAGS:
  -env     Path of an optional .env file (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop background jobs
  4. Close notifier and database connections

ENVIRONMENT:
  See config/config.go for every key and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/box-office/api"
	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/config"
	"github.com/warp/box-office/gateway"
	"github.com/warp/box-office/notify"
	"github.com/warp/box-office/store/sqlite"
)

// devSigningKey signs tickets outside production when no key is configured.
const devSigningKey = "box-office-development-signing-key"

func main() {
	envFile := flag.String("env", ".env", "Path of an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		// Sync fails on stdout/stderr on some platforms; nothing to do about it.
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.LogFormat, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build(zap.Fields(zap.String("environment", cfg.Environment)))
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.Open(cfg.DatabasePath, sqlite.Options{
		BusyTimeout:  cfg.DBBusyTimeout,
		MaxOpenConns: cfg.DBMaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	signingKey := cfg.TicketSigningKey
	if signingKey == "" {
		logger.Warn("TICKET_SIGNING_KEY not set, using the development key")
		signingKey = devSigningKey
	}

	// Engine
	clock := boxoffice.SystemClock{}
	capacity := boxoffice.NewCapacityLedger(store, clock)
	reservations := boxoffice.NewReservationManager(store, capacity, clock,
		boxoffice.WithHoldTTL(cfg.HoldTTL),
		boxoffice.WithMaxHoldTTL(cfg.MaxHoldTTL),
		boxoffice.WithReservationNotifier(notifier))
	wallets := boxoffice.NewWalletLedger(store, clock)
	tickets := boxoffice.NewTicketIssuer(store, clock, []byte(signingKey),
		boxoffice.WithTicketNotifier(notifier))

	var checkout *boxoffice.Checkout
	gw, records := newGateway(cfg, logger, func(ctx context.Context, cb boxoffice.Callback) {
		if _, err := checkout.HandleCallback(ctx, cb); err != nil {
			logger.Warn("Simulated settlement not applied",
				zap.String("idempotency_key", cb.IdempotencyKey), zap.Error(err))
		}
	})
	payments := boxoffice.NewPaymentGuard(store, wallets, gw, clock,
		boxoffice.WithPaymentNotifier(notifier),
		boxoffice.WithUnknownChargeGrace(cfg.PaymentPollAge))
	checkout = boxoffice.NewCheckout(store, capacity, reservations, payments, tickets, clock)
	reconciler := boxoffice.NewReconciler(store, records, wallets, clock)
	sweeper := boxoffice.NewSweeper(reservations, tickets, cfg.SweepBatch)

	// Background jobs
	scheduler := api.NewScheduler(api.Jobs(api.JobConfig{
		SweepInterval:     cfg.SweepInterval,
		PollInterval:      cfg.PaymentPollInterval,
		PollAge:           cfg.PaymentPollAge,
		PollBatch:         cfg.SweepBatch,
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileLookback: cfg.ReconcileLookback,
		Clock:             clock,
	}, sweeper, checkout, reconciler)...)
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	handler := api.NewHandler(api.Services{
		Capacity:          capacity,
		Reservations:      reservations,
		Payments:          payments,
		Wallets:           wallets,
		Tickets:           tickets,
		Checkout:          checkout,
		Reconciler:        reconciler,
		Clock:             clock,
		Ping:              store.DB().PingContext,
		ReconcileLookback: cfg.ReconcileLookback,
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.String("database", cfg.DatabasePath),
			zap.String("gateway", cfg.GatewayMode),
			zap.String("notify", cfg.NotifyMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newGateway returns the charge port and the records port of the
// configured provider. settle receives simulated asynchronous settlements.
func newGateway(cfg *config.Config, logger *zap.Logger, settle gateway.Settler) (boxoffice.Gateway, boxoffice.ProviderRecords) {
	if cfg.GatewayMode == config.GatewayHTTP {
		gw := gateway.NewHTTP(gateway.HTTPConfig{
			BaseURL:          cfg.GatewayURL,
			APIKey:           cfg.GatewayAPIKey,
			Timeout:          cfg.GatewayTimeout,
			BreakerThreshold: cfg.GatewayBreakerThreshold,
		})
		return gw, gw
	}

	logger.Warn("Using the simulated payment gateway", zap.Duration("settle_delay", cfg.SimulatedSettleDelay))
	sim := gateway.NewSimulated()
	if cfg.SimulatedSettleDelay > 0 {
		sim.AutoSettle(cfg.SimulatedSettleDelay, settle)
	}
	return sim, sim
}

// newNotifier always logs notifications and adds the configured channel.
func newNotifier(cfg *config.Config, logger *zap.Logger) (boxoffice.Notifier, func(), error) {
	logNotifier := notify.NewLog(logger)

	switch cfg.NotifyMode {
	case config.NotifyRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not reachable at startup", zap.Error(err))
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}
		return notify.Multi{logNotifier, notify.NewRedis(client, cfg.NotifyChannel)}, closeFn, nil

	case config.NotifyWatermill:
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
		closeFn := func() {
			if err := pubsub.Close(); err != nil {
				logger.Warn("Failed to close pub/sub", zap.Error(err))
			}
		}
		return notify.Multi{logNotifier, notify.NewWatermill(pubsub, cfg.NotifyChannel)}, closeFn, nil
	}

	return logNotifier, func() {}, nil
}
