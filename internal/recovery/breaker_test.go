package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tablemesh/pos-core/pkg/infra"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	b := NewCircuitBreaker(3, time.Minute, clock)

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "below threshold stays closed")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open rejects until the cooldown elapses")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	b := NewCircuitBreaker(1, time.Minute, clock)
	b.RecordFailure()
	assert.False(t, b.Allow())

	clock.Advance(time.Minute)
	assert.True(t, b.Allow(), "cooldown admits a single probe")
	assert.False(t, b.Allow(), "only one probe at a time")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State(), "a failed probe reopens")
	assert.False(t, b.Allow())

	clock.Advance(time.Minute)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	b := NewCircuitBreaker(3, time.Minute, clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "intermittent failures never accumulate past a success")
}
