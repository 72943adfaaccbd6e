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
	"github.com/tablemesh/pos-core/internal/checklock"
	"github.com/tablemesh/pos-core/internal/config"
	"github.com/tablemesh/pos-core/internal/connectivity"
	"github.com/tablemesh/pos-core/internal/db"
	"github.com/tablemesh/pos-core/internal/recovery"
	"github.com/tablemesh/pos-core/internal/replay"
	"github.com/tablemesh/pos-core/pkg/infra"
)

const presenceTTL = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	logger.Info("🔧 Initializing terminal daemon...",
		"terminal_id", cfg.TerminalID,
		"property_id", cfg.PropertyID,
	)

	// Canceled on SIGINT (Ctrl+C) or SIGTERM (container stop)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := infra.NewRealClock()

	// Durable local state: the terminal can take orders with everything
	// else down as long as this opens.
	local, err := db.NewLocalStore(cfg.SQLitePath, logger)
	if err != nil {
		logger.Error("FATAL: Failed to open local store", "error", err)
		os.Exit(1)
	}
	defer local.Close()

	// Connectivity monitor drives mode transitions for every other component.
	monitorOpts := connectivity.DefaultOptions()
	monitorOpts.CloudInterval = cfg.CloudHeartbeatInterval
	monitorOpts.RelayInterval = cfg.RelayHeartbeatInterval
	monitorOpts.PeripheralInterval = cfg.RelayHeartbeatInterval
	monitorOpts.MissThreshold = cfg.MissThreshold
	monitorOpts.ProbeTimeout = cfg.ProbeTimeout

	prober := &connectivity.DialProber{
		CloudAddr:       cfg.CloudAddr,
		RelayAddr:       cfg.RelayAddr,
		PeripheralAddrs: cfg.PeripheralAddrs,
	}
	monitor := connectivity.NewMonitor(prober, clock, logger, monitorOpts)

	// Shared lock table. When Redis is unreachable at boot the terminal
	// starts with local-only locks; check access still works on this
	// terminal and the monitor will report the degraded mode.
	var locks checklock.LockStore
	if redisLocks, err := checklock.NewRedisLockStore(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("Shared lock store unreachable, using local locks", "error", err)
		locks = checklock.NewMemoryLockStore()
	} else {
		locks = redisLocks
		defer redisLocks.Close()
	}

	lockMgr := checklock.NewManager(cfg.TerminalID, locks, local, monitor, &logNotifier{logger: logger}, clock, logger)

	// Replay transport. A dead broker at boot is tolerated the same way:
	// mutations accumulate until the dispatcher reconnects.
	dispatcher, err := broker.NewPublisher(cfg.RabbitMQURL, cfg.TerminalID, cfg.PropertyID, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	workerOpts := replay.WorkerOptions{
		Interval:        cfg.DrainInterval,
		BatchSize:       cfg.DrainBatchSize,
		DispatchTimeout: cfg.DispatchTimeout,
	}
	worker := replay.NewWorker(local, dispatcher, monitor, monitor.Subscribe(), clock, logger, workerOpts)

	// Supervision: monitor and worker are restartable; the presence
	// heartbeat keeps this terminal visible to other lock holders.
	supervisor := recovery.NewManager(clock, logger, recovery.Options{
		HealthInterval:      cfg.HealthCheckInterval,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		RecoveryBackoff:     cfg.RecoveryBackoff,
	})
	supervisor.Register("connectivity-monitor", monitor)
	supervisor.Register("sync-worker", worker)
	supervisor.Register("presence-heartbeat", newPresenceLoop(lockMgr, clock, logger))

	if err := supervisor.StartAll(ctx); err != nil {
		logger.Error("FATAL: Failed to start services", "error", err)
		os.Exit(1)
	}
	supervisor.Run(ctx)

	go func() {
		for ev := range supervisor.Events() {
			if ev.Type == recovery.EventExhausted {
				logger.Error("Service is down for good, manual restart required",
					"service", ev.Service, "error", ev.Err)
			}
		}
	}()

	go startObservabilityServer(cfg.MetricsPort, supervisor, logger)

	logger.Info("🚀 Terminal daemon is running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
	}
	logger.Info("✅ Terminal daemon shut down successfully.")
}

// logNotifier stands in for the LAN release channel: the holder terminal
// is asked to flush and release through its own drain loop, so here we
// only record the request.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) RequestRelease(ctx context.Context, holderID, checkID string) error {
	n.logger.Info("Release requested from holder", "holder_id", holderID, "check_id", checkID)
	return nil
}

// presenceLoop renews this terminal's liveness record so peers can tell a
// busy holder from a dead one.
type presenceLoop struct {
	mgr    *checklock.Manager
	clock  infra.Clock
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newPresenceLoop(mgr *checklock.Manager, clock infra.Clock, logger *slog.Logger) *presenceLoop {
	return &presenceLoop{mgr: mgr, clock: clock, logger: logger}
}

func (p *presenceLoop) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := p.clock.NewTicker(presenceTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				hctx, hcancel := context.WithTimeout(runCtx, 3*time.Second)
				if err := p.mgr.Heartbeat(hctx, presenceTTL); err != nil {
					p.logger.Warn("Presence heartbeat failed", "error", err)
				}
				hcancel()
			}
		}
	}()
	return nil
}

func (p *presenceLoop) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *presenceLoop) HealthCheck(ctx context.Context) error {
	return p.mgr.Heartbeat(ctx, presenceTTL)
}

func startObservabilityServer(port string, supervisor *recovery.Manager, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for name, state := range supervisor.GetAllStates() {
			if state == recovery.StateFailed {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("DEGRADED: " + name))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("TERMINAL ALIVE"))
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
