package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tablemesh/pos-core/internal/broker"
	"github.com/tablemesh/pos-core/internal/config"
	"github.com/tablemesh/pos-core/internal/db"
	"github.com/tablemesh/pos-core/internal/fiscal"
	"github.com/tablemesh/pos-core/internal/processor"
	"github.com/tablemesh/pos-core/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔧 Initializing relay daemon...", "pid", os.Getpid())

	store, err := db.NewAuthoritativeStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Error("FATAL: Failed to prepare relay schema", "error", err)
		os.Exit(1)
	}

	// The fiscal scheduler runs on the relay so periods close even when
	// every terminal in the property is off.
	clock := infra.NewRealClock()
	scheduler := fiscal.NewScheduler(store, clock, logger, cfg.FiscalTickInterval)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("FATAL: Failed to start fiscal scheduler", "error", err)
		os.Exit(1)
	}

	handler := processor.NewApplyHandler(store, logger)

	go startObservabilityServer(cfg.MetricsPort, logger)

	logger.Info("🚀 Relay daemon is running")
	runConsumeLoop(ctx, cfg, handler, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler stop failed", "error", err)
	}
	logger.Info("✅ Relay daemon shut down successfully.")
}

// runConsumeLoop keeps a consumer connected until shutdown, reconnecting
// with jittered exponential backoff after broker failures.
func runConsumeLoop(ctx context.Context, cfg *config.Config, handler broker.ApplyHandler, logger *slog.Logger) {
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown signal received")
			return
		default:
			consumer, err := broker.NewConsumer(cfg.RabbitMQURL, handler, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("RabbitMQ connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			logger.Info("✅ Connected to broker. Listening for replay items...")

			if err := consumer.Listen(ctx); err != nil {
				logger.Error("⚠️ Consumer connection lost", "error", err)
			}

			consumer.Close()
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("RELAY ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
