// Package connectivity derives the terminal's operating mode from periodic
// reachability probes against the cloud, the local relay host, and the
// local peripheral agents. Downgrades are debounced behind a consecutive
// miss threshold so a single dropped heartbeat never flips the mode;
// upgrades take effect on the first successful probe.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

const (
	targetCloud       = "cloud"
	targetRelay       = "relay"
	targetPeripherals = "peripherals"
)

// Prober performs the actual reachability checks. The transport that backs
// it (HTTP health endpoints, WebSocket pings) lives outside this package.
type Prober interface {
	ProbeCloud(ctx context.Context) error
	ProbeRelay(ctx context.Context) error
	ProbePeripherals(ctx context.Context) error
}

type Options struct {
	CloudInterval      time.Duration
	RelayInterval      time.Duration
	PeripheralInterval time.Duration
	MissThreshold      int
	ProbeTimeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		CloudInterval:      15 * time.Second,
		RelayInterval:      10 * time.Second,
		PeripheralInterval: 10 * time.Second,
		MissThreshold:      3,
		ProbeTimeout:       3 * time.Second,
	}
}

// Monitor is the single writer of the ConnectivityStatus snapshot.
// Readers either poll Snapshot or receive published copies via Subscribe.
type Monitor struct {
	prober Prober
	clock  infra.Clock
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	status    models.ConnectivityStatus
	reachable map[string]bool
	misses    map[string]int
	subs      []chan models.ConnectivityStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(prober Prober, clock infra.Clock, logger *slog.Logger, opts Options) *Monitor {
	if opts.MissThreshold <= 0 {
		opts.MissThreshold = 3
	}
	m := &Monitor{
		prober: prober,
		clock:  clock,
		logger: logger,
		opts:   opts,
		// Start optimistic: degradation is conservative, so the first
		// snapshot assumes full reachability until probes say otherwise.
		reachable: map[string]bool{targetCloud: true, targetRelay: true, targetPeripherals: true},
		misses:    map[string]int{},
	}
	m.status = models.ConnectivityStatus{
		Mode:                 models.ModeOnline,
		CloudReachable:       true,
		RelayHostReachable:   true,
		PeripheralsReachable: true,
		LastChecked:          clock.Now(),
	}
	return m
}

// Start launches the per-target heartbeat loops. It is non-blocking.
func (m *Monitor) Start(ctx context.Context) error {
	if m.prober == nil {
		return fmt.Errorf("connectivity monitor requires a prober")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.launch(runCtx, targetCloud, m.opts.CloudInterval, m.prober.ProbeCloud)
	m.launch(runCtx, targetRelay, m.opts.RelayInterval, m.prober.ProbeRelay)
	m.launch(runCtx, targetPeripherals, m.opts.PeripheralInterval, m.prober.ProbePeripherals)

	m.logger.Info("Connectivity monitor started",
		"cloud_interval", m.opts.CloudInterval,
		"relay_interval", m.opts.RelayInterval,
		"miss_threshold", m.opts.MissThreshold,
	)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck fails when the heartbeat loops have stopped updating the
// snapshot, which indicates a wedged or dead monitor rather than a
// degraded network (degradation is a valid mode, not ill health).
func (m *Monitor) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	last := m.status.LastChecked
	m.mu.Unlock()

	stale := 3 * m.opts.CloudInterval
	if age := m.clock.Now().Sub(last); age > stale {
		return fmt.Errorf("no heartbeat observed for %s", age)
	}
	return nil
}

func (m *Monitor) launch(ctx context.Context, target string, interval time.Duration, probe func(context.Context) error) {
	ticker := m.clock.NewTicker(interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
				err := probe(pctx)
				cancel()
				// A timed-out probe is a miss, never a hang.
				m.observe(target, err == nil)
			}
		}
	}()
}

// observe records one probe result and recomputes the mode. A failure only
// downgrades after MissThreshold consecutive misses; a success restores the
// target immediately.
func (m *Monitor) observe(target string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.misses[target] = 0
		m.reachable[target] = true
	} else {
		m.misses[target]++
		metrics.HeartbeatFailures.WithLabelValues(target).Inc()
		if m.misses[target] >= m.opts.MissThreshold {
			m.reachable[target] = false
		}
	}

	prev := m.status.Mode
	m.status = models.ConnectivityStatus{
		Mode:                 models.DeriveMode(m.reachable[targetCloud], m.reachable[targetRelay], m.reachable[targetPeripherals]),
		CloudReachable:       m.reachable[targetCloud],
		RelayHostReachable:   m.reachable[targetRelay],
		PeripheralsReachable: m.reachable[targetPeripherals],
		LastChecked:          m.clock.Now(),
	}
	metrics.ConnectivityMode.Set(float64(modeLevel(m.status.Mode)))

	if m.status.Mode != prev {
		m.logger.Warn("Connectivity mode transition",
			"from", prev,
			"to", m.status.Mode,
			"cloud", m.status.CloudReachable,
			"relay", m.status.RelayHostReachable,
		)
		m.broadcastLocked()
	}
}

// Snapshot returns the latest immutable status.
func (m *Monitor) Snapshot() models.ConnectivityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel receiving a status copy on every mode
// transition. Slow consumers lose intermediate snapshots, never the latest.
func (m *Monitor) Subscribe() <-chan models.ConnectivityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan models.ConnectivityStatus, 8)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Monitor) broadcastLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- m.status:
		default:
			// Channel full: drop the oldest snapshot so the newest lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m.status:
			default:
			}
		}
	}
}

func modeLevel(mode models.Mode) int {
	switch mode {
	case models.ModeOnline:
		return 3
	case models.ModeLanDegraded:
		return 2
	case models.ModeLocalOnly:
		return 1
	default:
		return 0
	}
}
