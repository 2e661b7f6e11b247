package remotecache

import (
	"sync"
	"time"

	"github.com/cuenv/cuenv/pkg/clock"
)

// DefaultWindowSize matches spec.md §4.7's documented rolling-window
// size of the last 20 requests.
const DefaultWindowSize = 20

// DefaultFailureThreshold matches spec.md's documented 50% failure
// rate that trips the breaker open.
const DefaultFailureThreshold = 0.5

// DefaultCooldown matches spec.md's documented 60s cooldown before a
// single probe request is let through.
const DefaultCooldown = 60 * time.Second

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateProbing
)

// circuitBreaker tracks a rolling failure rate over the last
// windowSize requests and, once it crosses threshold, opens for
// cooldown before letting a single probe request through (§4.7).
//
// This mirrors the "breaker" idiom used throughout resilience-oriented
// gRPC clients in the wider Go ecosystem (e.g. sony/gobreaker), but is
// hand-rolled here rather than imported: no repo in the reference
// corpus depends on a circuit-breaker library, and the policy needed
// (fixed-size rolling window, single-probe-after-cooldown) is small
// enough that adding an unrelated dependency just for this one
// stateful counter would not be grounded in anything the corpus shows.
type circuitBreaker struct {
	mu sync.Mutex

	clk clock.Clock

	windowSize int
	threshold  float64
	cooldown   time.Duration

	results    []bool // true = success, ring buffer
	writeIndex int
	filled     int

	state     breakerState
	openUntil time.Time
}

func newCircuitBreaker(clk clock.Clock, windowSize int, threshold float64, cooldown time.Duration) *circuitBreaker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &circuitBreaker{
		clk:        clk,
		windowSize: windowSize,
		threshold:  threshold,
		cooldown:   cooldown,
		results:    make([]bool, windowSize),
		state:      stateClosed,
	}
}

// allow reports whether a request may proceed, and if so whether it is
// the single probe request for a breaker currently in cooldown.
func (b *circuitBreaker) allow() (ok bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, false
	case stateOpen:
		if b.clk.Now().Before(b.openUntil) {
			return false, false
		}
		b.state = stateProbing
		return true, true
	case stateProbing:
		// A probe is already in flight; reject concurrent callers
		// rather than letting a thundering herd through the instant
		// cooldown expires.
		return false, false
	}
	return false, false
}

// recordResult registers the outcome of a request that allow() admitted.
func (b *circuitBreaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateProbing {
		if success {
			b.state = stateClosed
			b.results = make([]bool, b.windowSize)
			b.writeIndex = 0
			b.filled = 0
		} else {
			b.state = stateOpen
			b.openUntil = b.clk.Now().Add(b.cooldown)
		}
		return
	}

	b.results[b.writeIndex] = success
	b.writeIndex = (b.writeIndex + 1) % b.windowSize
	if b.filled < b.windowSize {
		b.filled++
	}

	if b.filled < b.windowSize {
		return
	}
	failures := 0
	for _, s := range b.results {
		if !s {
			failures++
		}
	}
	if float64(failures)/float64(b.windowSize) > b.threshold {
		b.state = stateOpen
		b.openUntil = b.clk.Now().Add(b.cooldown)
	}
}
