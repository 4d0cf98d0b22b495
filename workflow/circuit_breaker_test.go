package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type breakerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg BreakerConfig, onChange BreakerEventHandler) (*CircuitBreaker, *breakerClock) {
	clock := &breakerClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("fetch", cfg, onChange, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 2, cb.Failures())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "fetch")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute}, nil)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Failures())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var events []BreakerEvent
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
		func(ev BreakerEvent) { events = append(events, ev) })

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// 半开只放行一个探测
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())

	require.Len(t, events, 3)
	assert.Equal(t, CircuitOpen, events[0].NewState)
	assert.Equal(t, CircuitHalfOpen, events[1].NewState)
	assert.Equal(t, CircuitClosed, events[2].NewState)
	assert.Equal(t, "fetch", events[2].Processor)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, nil)

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	cb.RecordFailure()

	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestBreakerConfigFrom_Defaults(t *testing.T) {
	cfg := BreakerConfigFrom(config.CircuitBreakerConfig{Enabled: true})

	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMaxProbes)
	assert.Equal(t, 1, cfg.SuccessThreshold)
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil, zap.NewNop())

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	r.Get("b")

	a.RecordFailure()
	assert.Equal(t, map[string]CircuitState{"a": CircuitOpen, "b": CircuitClosed}, r.States())

	r.ResetAll()
	assert.Equal(t, CircuitClosed, r.Get("a").State())
}

func TestBreakerRegistry_ConcurrentGet(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfigFrom(config.CircuitBreakerConfig{}), nil, zap.NewNop())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}
}
