package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
)

type stubProber struct {
	cloudErr       error
	relayErr       error
	peripheralsErr error
	cloudCalls     atomic.Int64
}

func (s *stubProber) ProbeCloud(ctx context.Context) error {
	s.cloudCalls.Add(1)
	return s.cloudErr
}
func (s *stubProber) ProbeRelay(ctx context.Context) error       { return s.relayErr }
func (s *stubProber) ProbePeripherals(ctx context.Context) error { return s.peripheralsErr }

func newTestMonitor(t *testing.T) (*Monitor, *infra.ManualClock) {
	t.Helper()
	clock := infra.NewManualClock(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(&stubProber{}, clock, slog.Default(), DefaultOptions())
	return m, clock
}

func TestMonitor_StartsOnline(t *testing.T) {
	m, _ := newTestMonitor(t)
	s := m.Snapshot()
	assert.Equal(t, models.ModeOnline, s.Mode)
	assert.True(t, s.CloudReachable)
	assert.True(t, s.RelayHostReachable)
}

func TestMonitor_DowngradeNeedsThreeConsecutiveMisses(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.observe(targetCloud, false)
	m.observe(targetCloud, false)
	assert.Equal(t, models.ModeOnline, m.Snapshot().Mode, "two misses must not downgrade")

	m.observe(targetCloud, false)
	assert.Equal(t, models.ModeLanDegraded, m.Snapshot().Mode, "third miss downgrades while relay is healthy")
}

func TestMonitor_SuccessResetsMissCounter(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.observe(targetCloud, false)
	m.observe(targetCloud, false)
	m.observe(targetCloud, true)
	m.observe(targetCloud, false)
	m.observe(targetCloud, false)

	assert.Equal(t, models.ModeOnline, m.Snapshot().Mode, "non-consecutive misses must not accumulate")
}

func TestMonitor_ModePrecedence(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		m.observe(targetCloud, false)
	}
	assert.Equal(t, models.ModeLanDegraded, m.Snapshot().Mode)

	for i := 0; i < 3; i++ {
		m.observe(targetRelay, false)
	}
	assert.Equal(t, models.ModeLocalOnly, m.Snapshot().Mode)

	for i := 0; i < 3; i++ {
		m.observe(targetPeripherals, false)
	}
	assert.Equal(t, models.ModeIsolated, m.Snapshot().Mode)
}

func TestMonitor_UpgradeIsImmediate(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		m.observe(targetCloud, false)
	}
	require.Equal(t, models.ModeLanDegraded, m.Snapshot().Mode)

	m.observe(targetCloud, true)
	assert.Equal(t, models.ModeOnline, m.Snapshot().Mode, "recovery takes effect on the first success")
}

func TestMonitor_SubscribeReceivesTransitions(t *testing.T) {
	m, _ := newTestMonitor(t)
	ch := m.Subscribe()

	for i := 0; i < 3; i++ {
		m.observe(targetCloud, false)
	}

	select {
	case s := <-ch:
		assert.Equal(t, models.ModeLanDegraded, s.Mode)
	default:
		t.Fatal("expected a published snapshot after a mode transition")
	}
}

func TestMonitor_SlowSubscriberKeepsLatest(t *testing.T) {
	m, _ := newTestMonitor(t)
	ch := m.Subscribe()

	// Generate more transitions than the channel buffers.
	for i := 0; i < 12; i++ {
		for j := 0; j < 3; j++ {
			m.observe(targetCloud, false)
		}
		m.observe(targetCloud, true)
	}

	var last models.ConnectivityStatus
	for {
		select {
		case s := <-ch:
			last = s
			continue
		default:
		}
		break
	}
	assert.Equal(t, models.ModeOnline, last.Mode, "latest snapshot must survive backpressure")
}

func TestMonitor_StartProbesOnTick(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	prober := &stubProber{}
	m := NewMonitor(prober, clock, slog.Default(), DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	clock.Advance(16 * time.Second)
	require.Eventually(t, func() bool {
		return prober.cloudCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, m.Stop(stopCtx))
}

func TestMonitor_HealthCheck(t *testing.T) {
	m, clock := newTestMonitor(t)

	assert.NoError(t, m.HealthCheck(context.Background()))

	clock.Advance(2 * time.Minute)
	assert.Error(t, m.HealthCheck(context.Background()), "stale snapshot means the loops are wedged")

	m.observe(targetCloud, true)
	assert.NoError(t, m.HealthCheck(context.Background()))
}
