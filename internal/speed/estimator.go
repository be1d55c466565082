// Package speed smooths raw throughput samples into the per-download
// speed readings surfaced to callers.
package speed

import (
	"sync"
	"time"
)

const (
	// SampleGate drops samples arriving closer together than this; a
	// near-zero delta-time makes the instantaneous rate pure noise.
	SampleGate = 250 * time.Millisecond

	// StaleAfter is how long a download may go without a sample before the
	// sweep zeroes its speed.
	StaleAfter = 1250 * time.Millisecond

	// Alpha is the EMA smoothing factor.
	Alpha = 0.30

	// MaxSpeed clamps instantaneous spikes (bytes/sec).
	MaxSpeed = float64(2 << 30)
)

type sample struct {
	at    time.Time
	bytes int64
}

// Estimator tracks per-(identity, sub-part) samples and exposes one
// EMA-smoothed speed per identity.
type Estimator struct {
	mu       sync.Mutex
	samples  map[string]sample  // keyed identity + "\x00" + part
	smoothed map[string]float64 // keyed identity
	lastSeen map[string]time.Time
}

// NewEstimator returns an empty estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		samples:  make(map[string]sample),
		smoothed: make(map[string]float64),
		lastSeen: make(map[string]time.Time),
	}
}

// Observe records a byte-count sample for one sub-part at now, and returns
// the identity's current smoothed speed. Samples inside the gate window
// are ignored. The first accepted sample passes through unsmoothed.
func (e *Estimator) Observe(identity, part string, totalBytes int64, now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := identity + "\x00" + part
	prev, seen := e.samples[key]
	if !seen {
		e.samples[key] = sample{at: now, bytes: totalBytes}
		e.lastSeen[identity] = now
		return e.smoothed[identity]
	}

	dt := now.Sub(prev.at)
	if dt < SampleGate {
		return e.smoothed[identity]
	}

	inst := float64(totalBytes-prev.bytes) / dt.Seconds()
	if inst < 0 {
		inst = 0
	}
	if inst > MaxSpeed {
		inst = MaxSpeed
	}

	current := e.smoothed[identity]
	if current == 0 {
		current = inst
	} else {
		current = (1-Alpha)*current + Alpha*inst
	}

	e.samples[key] = sample{at: now, bytes: totalBytes}
	e.smoothed[identity] = current
	e.lastSeen[identity] = now
	return current
}

// Speed returns the identity's smoothed speed.
func (e *Estimator) Speed(identity string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smoothed[identity]
}

// Sweep zeroes every identity whose last sample is older than the
// staleness window, or that paused reports as paused. Returns the set of
// identities whose speed is now zero so the caller can fold it into the
// observable items.
func (e *Estimator) Sweep(now time.Time, paused func(identity string) bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var zeroed []string
	for identity, last := range e.lastSeen {
		if e.smoothed[identity] == 0 {
			continue
		}
		if now.Sub(last) > StaleAfter || (paused != nil && paused(identity)) {
			e.smoothed[identity] = 0
			zeroed = append(zeroed, identity)
		}
	}
	return zeroed
}

// Forget drops all state for an identity.
func (e *Estimator) Forget(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.smoothed, identity)
	delete(e.lastSeen, identity)
	prefix := identity + "\x00"
	for key := range e.samples {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.samples, key)
		}
	}
}
