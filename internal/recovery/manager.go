// Package recovery supervises the long-running services of a terminal:
// the connectivity monitor, the sync worker, the fiscal scheduler, and any
// transport that must survive crashes of its dependencies. Each service is
// health-checked periodically and restarted with exponential backoff when
// unhealthy, up to a bounded number of attempts, behind a per-service
// circuit breaker. A service that cannot be revived is marked failed and
// surfaced to operators; the rest of the terminal keeps running.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tablemesh/pos-core/pkg/infra"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

// Service is the contract every supervised component implements.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

type ServiceState string

const (
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateDegraded ServiceState = "degraded"
	StateFailed   ServiceState = "failed"
	StateStopped  ServiceState = "stopped"
)

const (
	EventRecovered = "recovered"
	EventExhausted = "recovery_exhausted"
)

// Event is emitted on the manager's event channel when a service is
// revived or given up on.
type Event struct {
	Service string
	Type    string
	Err     error
	At      time.Time
}

type ServiceStats struct {
	Name                string
	State               ServiceState
	LastError           string
	RecoveryAttempts    int
	LastRecoveryAttempt time.Time
	Breaker             BreakerState
}

type Options struct {
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	MaxRecoveryAttempts int
	RecoveryBackoff     time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
}

func DefaultOptions() Options {
	return Options{
		HealthInterval:      30 * time.Second,
		HealthTimeout:       5 * time.Second,
		MaxRecoveryAttempts: 3,
		RecoveryBackoff:     500 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerCooldown:     30 * time.Second,
	}
}

type supervised struct {
	name string
	svc  Service

	state            ServiceState
	lastError        error
	recoveryAttempts int
	lastRecovery     time.Time
	recovering       bool
	breaker          *CircuitBreaker
}

// Manager owns the registered services' lifecycle.
type Manager struct {
	clock  infra.Clock
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	services map[string]*supervised
	order    []string

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(clock infra.Clock, logger *slog.Logger, opts Options) *Manager {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = 3
	}
	if opts.RecoveryBackoff <= 0 {
		opts.RecoveryBackoff = 500 * time.Millisecond
	}
	return &Manager{
		clock:    clock,
		logger:   logger,
		opts:     opts,
		services: make(map[string]*supervised),
		events:   make(chan Event, 32),
	}
}

func (m *Manager) Register(name string, svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	m.services[name] = &supervised{
		name:    name,
		svc:     svc,
		state:   StateStopped,
		breaker: NewCircuitBreaker(m.opts.BreakerThreshold, m.opts.BreakerCooldown, m.clock),
	}
	m.order = append(m.order, name)
	return nil
}

// Events exposes recovered / recovery_exhausted notifications. The channel
// is buffered; a slow reader loses events but never blocks supervision.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) StartService(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	s.state = StateStarting
	m.mu.Unlock()

	if err := s.svc.Start(ctx); err != nil {
		m.setState(s, StateFailed, err)
		return fmt.Errorf("start %s: %w", name, err)
	}
	m.setState(s, StateRunning, nil)
	m.logger.Info("✅ Service started", "service", name)
	return nil
}

// StartAll starts services in registration order and stops at the first
// failure so dependents never run without their dependencies.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		if err := m.StartService(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Run launches the periodic health loop. Non-blocking.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	ticker := m.clock.NewTicker(m.opts.HealthInterval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				m.checkAll(runCtx)
			}
		}
	}()

	m.logger.Info("🚀 Recovery manager running",
		"health_interval", m.opts.HealthInterval,
		"max_recovery_attempts", m.opts.MaxRecoveryAttempts,
	)
}

// Shutdown stops supervision and then every service in reverse
// registration order.
func (m *Manager) Shutdown(ctx context.Context) error {
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
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	var firstErr error
	for i := len(names) - 1; i >= 0; i-- {
		s := m.get(names[i])
		if err := s.svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", s.name, err)
		}
		m.setState(s, StateStopped, nil)
	}
	m.logger.Info("🛑 Recovery manager stopped")
	return firstErr
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	var due []*supervised
	for _, name := range m.order {
		s := m.services[name]
		if s.recovering || s.state == StateFailed || s.state == StateStopped || s.state == StateStarting {
			continue
		}
		due = append(due, s)
	}
	m.mu.Unlock()

	for _, s := range due {
		if !s.breaker.Allow() {
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		err := s.svc.HealthCheck(hctx)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			m.mu.Lock()
			if s.state == StateDegraded {
				s.state = StateRunning
				s.recoveryAttempts = 0
				s.lastError = nil
			}
			m.mu.Unlock()
			continue
		}

		s.breaker.RecordFailure()
		m.setState(s, StateDegraded, err)
		m.logger.Warn("Service unhealthy, scheduling recovery", "service", s.name, "error", err)

		m.mu.Lock()
		s.recovering = true
		m.mu.Unlock()

		m.wg.Add(1)
		go func(s *supervised) {
			defer m.wg.Done()
			m.recoverService(ctx, s)
		}(s)
	}
}

// recoverService restarts the service with exponential backoff until it
// reports healthy or the attempt budget runs out.
func (m *Manager) recoverService(ctx context.Context, s *supervised) {
	defer func() {
		m.mu.Lock()
		s.recovering = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if s.recoveryAttempts >= m.opts.MaxRecoveryAttempts {
			m.mu.Unlock()
			m.exhaust(s)
			return
		}
		s.recoveryAttempts++
		attempt := s.recoveryAttempts
		s.lastRecovery = m.clock.Now()
		m.mu.Unlock()

		backoff := m.opts.RecoveryBackoff * (1 << (attempt - 1))
		metrics.RecoveryAttempts.WithLabelValues(s.name).Inc()
		m.logger.Info("Attempting service recovery",
			"service", s.name,
			"attempt", attempt,
			"max_attempts", m.opts.MaxRecoveryAttempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(backoff):
		}

		if err := m.restart(ctx, s); err != nil {
			m.setState(s, StateDegraded, err)
			m.logger.Warn("Recovery attempt failed", "service", s.name, "attempt", attempt, "error", err)
			continue
		}

		m.setState(s, StateRunning, nil)
		m.mu.Lock()
		s.recoveryAttempts = 0
		m.mu.Unlock()
		s.breaker.RecordSuccess()
		m.emit(Event{Service: s.name, Type: EventRecovered, At: m.clock.Now()})
		m.logger.Info("✅ Service recovered", "service", s.name, "attempt", attempt)
		return
	}
}

func (m *Manager) restart(ctx context.Context, s *supervised) error {
	stopCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	if err := s.svc.Stop(stopCtx); err != nil {
		m.logger.Warn("Stop during recovery failed, starting anyway", "service", s.name, "error", err)
	}
	cancel()

	if err := s.svc.Start(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()
	if err := s.svc.HealthCheck(hctx); err != nil {
		return fmt.Errorf("still unhealthy after restart: %w", err)
	}
	return nil
}

func (m *Manager) exhaust(s *supervised) {
	m.mu.Lock()
	s.state = StateFailed
	lastErr := s.lastError
	m.mu.Unlock()

	metrics.RecoveryExhausted.WithLabelValues(s.name).Set(1)
	m.emit(Event{Service: s.name, Type: EventExhausted, Err: lastErr, At: m.clock.Now()})
	m.logger.Error("CRITICAL: service recovery exhausted, operator attention required",
		"service", s.name,
		"attempts", m.opts.MaxRecoveryAttempts,
		"error", lastErr,
	)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) setState(s *supervised, state ServiceState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastError = err
	}
}

func (m *Manager) get(name string) *supervised {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[name]
}

func (m *Manager) GetAllStates() map[string]ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceState, len(m.services))
	for name, s := range m.services {
		out[name] = s.state
	}
	return out
}

func (m *Manager) GetServiceStats(name string) (ServiceStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return ServiceStats{}, false
	}
	stats := ServiceStats{
		Name:                s.name,
		State:               s.state,
		RecoveryAttempts:    s.recoveryAttempts,
		LastRecoveryAttempt: s.lastRecovery,
		Breaker:             s.breaker.State(),
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats, true
}
