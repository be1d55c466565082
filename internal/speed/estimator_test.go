package speed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserve_FirstSamplePrimesWithoutSpeed(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	got := e.Observe("id", "weights", 1000, now)

	assert.Zero(t, got)
}

func TestObserve_GateDropsRapidSamples(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	got := e.Observe("id", "weights", 1<<20, now.Add(50*time.Millisecond))

	assert.Zero(t, got, "sample inside the gate must not move the estimate")
}

func TestObserve_ConvergesToConstantRate(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	// 1 MB/s byte stream sampled every 500ms.
	const rate = float64(1 << 20)
	var bytes int64
	for i := 0; i < 40; i++ {
		now = now.Add(500 * time.Millisecond)
		bytes += 1 << 19
		e.Observe("id", "weights", bytes, now)
	}

	got := e.Speed("id")
	assert.InDelta(t, rate, got, rate*0.05)
}

func TestObserve_ClampsSpikes(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	// An absurd byte jump in one interval.
	got := e.Observe("id", "weights", 1<<50, now.Add(time.Second))

	assert.LessOrEqual(t, got, MaxSpeed)
}

func TestObserve_NegativeDeltaTreatedAsZero(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 1000, now)
	e.Observe("id", "weights", 2000, now.Add(time.Second))
	got := e.Observe("id", "weights", 500, now.Add(2*time.Second))

	assert.GreaterOrEqual(t, got, float64(0))
}

func TestSweep_ZeroesStaleIdentity(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	e.Observe("id", "weights", 1<<20, now.Add(time.Second))
	assert.NotZero(t, e.Speed("id"))

	zeroed := e.Sweep(now.Add(time.Second).Add(StaleAfter+time.Millisecond), nil)

	assert.Contains(t, zeroed, "id")
	assert.Zero(t, e.Speed("id"))
}

func TestSweep_ZeroesPausedIdentity(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	e.Observe("id", "weights", 1<<20, now.Add(time.Second))

	zeroed := e.Sweep(now.Add(time.Second), func(identity string) bool { return identity == "id" })

	assert.Contains(t, zeroed, "id")
	assert.Zero(t, e.Speed("id"))
}

func TestSweep_LeavesFreshIdentityAlone(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	e.Observe("id", "weights", 1<<20, now.Add(time.Second))
	before := e.Speed("id")

	zeroed := e.Sweep(now.Add(time.Second).Add(100*time.Millisecond), nil)

	assert.Empty(t, zeroed)
	assert.Equal(t, before, e.Speed("id"))
}

func TestForget_DropsAllState(t *testing.T) {
	e := NewEstimator()
	now := time.Now()

	e.Observe("id", "weights", 0, now)
	e.Observe("id", "weights", 1<<20, now.Add(time.Second))
	e.Forget("id")

	assert.Zero(t, e.Speed("id"))
	// A fresh first sample primes again rather than reusing stale state.
	assert.Zero(t, e.Observe("id", "weights", 1<<21, now.Add(2*time.Second)))
}
