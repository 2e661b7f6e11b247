package eviction

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cuenv/cuenv/pkg/clock"
)

// MemoryPressureSource reports whether the host is under memory
// pressure, abstracting over OS-specific signals (spec.md §4.5). The
// default implementation (memory_pressure_linux.go) polls
// /proc/meminfo; elsewhere NoMemoryPressure is used, mirroring the
// teacher's per-OS build-tag split in pkg/global/resource_limits_*.go.
type MemoryPressureSource interface {
	// UnderPressure reports whether available memory is critically
	// low right now.
	UnderPressure() bool
}

// Victim identifies an evictable unit: an ActionResult key plus the
// size it (and the blobs it references) occupies on disk.
type Victim struct {
	Key       string
	SizeBytes int64
}

// EvictFunc is invoked by the Manager for each victim chosen by the
// configured policy. It must remove the ActionResult's metadata and
// decrement the refcounts of the blobs it references (spec.md §4.5).
type EvictFunc func(key string) error

const (
	// DefaultHighWaterMark matches spec.md's documented default of
	// 80% of quota.
	DefaultHighWaterMark = 0.80
	// DefaultLowWaterMark matches spec.md's documented default target
	// of 70% after an eviction sweep.
	DefaultLowWaterMark = 0.70
	// DefaultSweepInterval matches spec.md's documented periodic
	// timer default of 30s.
	DefaultSweepInterval = 30 * time.Second
)

// Manager tracks accesses and insertions through a Set policy and runs
// a background sweep that evicts down to the low-water mark whenever
// usage crosses the high-water mark, memory pressure is reported, or
// the periodic timer fires. The sweep never blocks foreground
// operations: it only ever holds the Manager's own short-lived mutex,
// never anything CAS or action-cache callers hold.
type Manager struct {
	mu            sync.Mutex
	set           Set
	sizes         map[string]int64
	usageBytes    int64
	quotaBytes    int64
	highWaterMark float64
	lowWaterMark  float64

	pressure MemoryPressureSource
	clock    clock.Clock
	evict    EvictFunc

	wakeCh chan struct{}
}

// Config configures a Manager.
type Config struct {
	Policy        string
	QuotaBytes    int64
	HighWaterMark float64
	LowWaterMark  float64
	// SweepInterval is not read: Run's periodic timer always uses
	// DefaultSweepInterval.
	SweepInterval time.Duration
	Pressure      MemoryPressureSource
	Clock         clock.Clock
}

// NewManager creates a Manager. evict is called synchronously from the
// background sweep goroutine for each chosen victim.
func NewManager(cfg Config, evict EvictFunc) *Manager {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = DefaultLowWaterMark
	}
	if cfg.Pressure == nil {
		cfg.Pressure = NoMemoryPressure{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	return &Manager{
		set:           NewSetFromPolicy(cfg.Policy),
		sizes:         map[string]int64{},
		quotaBytes:    cfg.QuotaBytes,
		highWaterMark: cfg.HighWaterMark,
		lowWaterMark:  cfg.LowWaterMark,
		pressure:      cfg.Pressure,
		clock:         cfg.Clock,
		evict:         evict,
		wakeCh:        make(chan struct{}, 1),
	}
}

// OnAccess records that key was just read, for recency/frequency
// bookkeeping by the configured policy.
func (m *Manager) OnAccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sizes[key]; ok {
		m.set.Touch(key)
	}
}

// OnInsert records a newly stored ActionResult of the given size. If
// this insertion crosses the high-water mark, the background sweep is
// woken immediately rather than waiting for the next periodic tick. A
// key that is already tracked (for example, a second caller of the same
// action) is touched instead of inserted again, and its size replaced.
func (m *Manager) OnInsert(key string, sizeBytes int64) {
	m.mu.Lock()
	if oldSize, ok := m.sizes[key]; ok {
		m.set.Touch(key)
		m.usageBytes -= oldSize
	} else {
		m.set.Insert(key)
	}
	m.sizes[key] = sizeBytes
	m.usageBytes += sizeBytes
	overHighWater := m.quotaBytes > 0 && m.usageBytes > int64(float64(m.quotaBytes)*m.highWaterMark)
	m.mu.Unlock()

	if overHighWater {
		m.wake()
	}
}

// OnRemove records that key has been evicted by some path other than
// the sweep itself (e.g. TTL expiry). Its bytes leave the usage total;
// the key itself keeps its place in the policy's eviction order with a
// size of zero, since a Set has no way to drop an arbitrary key, until
// a sweep evicts it or OnInsert refreshes it.
func (m *Manager) OnRemove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size, ok := m.sizes[key]; ok {
		m.sizes[key] = 0
		m.usageBytes -= size
	}
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// SelectVictims picks enough keys from the policy's eviction order to
// free at least bytesToFree bytes, without actually evicting them.
func (m *Manager) SelectVictims(bytesToFree int64) []Victim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectVictimsLocked(bytesToFree)
}

func (m *Manager) selectVictimsLocked(bytesToFree int64) []Victim {
	var victims []Victim
	var freed int64

	// Peek/Remove mutate the policy's internal state, so operate on a
	// scratch copy's worth of bookkeeping by restoring afterwards:
	// SelectVictims must not actually evict.
	type removed struct {
		key  string
		size int64
	}
	var popped []removed

	for freed < bytesToFree && m.set.Len() > 0 {
		key := m.set.Peek()
		size := m.sizes[key]
		m.set.Remove()
		popped = append(popped, removed{key: key, size: size})
		victims = append(victims, Victim{Key: key, SizeBytes: size})
		freed += size
	}
	// Re-insert so this is a read-only preview; actual eviction goes
	// through sweep, which removes for real.
	for i := len(popped) - 1; i >= 0; i-- {
		m.set.Insert(popped[i].key)
	}
	return victims
}

// UsageBytes returns current tracked usage.
func (m *Manager) UsageBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageBytes
}

// Run starts the background sweep loop; it returns when ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	_, timerCh := m.clock.NewTimer(m.sweepInterval())
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wakeCh:
			m.sweep()
		case <-timerCh:
			if m.pressure.UnderPressure() || m.overHighWater() {
				m.sweep()
			}
			_, timerCh = m.clock.NewTimer(m.sweepInterval())
		}
	}
}

func (m *Manager) sweepInterval() time.Duration {
	return DefaultSweepInterval
}

func (m *Manager) overHighWater() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotaBytes > 0 && m.usageBytes > int64(float64(m.quotaBytes)*m.highWaterMark)
}

// sweep evicts down to the low-water mark. It is also exported via
// RunOnce for tests and for an explicit manual trigger.
func (m *Manager) sweep() {
	m.mu.Lock()
	if m.quotaBytes <= 0 {
		m.mu.Unlock()
		return
	}
	target := int64(float64(m.quotaBytes) * m.lowWaterMark)
	var toFree int64
	if m.usageBytes > target {
		toFree = m.usageBytes - target
	}
	var victims []string
	var freed int64
	for freed < toFree && m.set.Len() > 0 {
		key := m.set.Peek()
		size := m.sizes[key]
		m.set.Remove()
		delete(m.sizes, key)
		m.usageBytes -= size
		victims = append(victims, key)
		freed += size
	}
	m.mu.Unlock()

	for _, key := range victims {
		if err := m.evict(key); err != nil {
			log.Printf("eviction: failed to evict %s: %s", key, err)
		}
	}
}

// RunOnce performs a single synchronous sweep, for tests and for a
// caller-triggered GC pass outside of the background loop.
func (m *Manager) RunOnce() {
	m.sweep()
}

// NoMemoryPressure is a MemoryPressureSource that never reports
// pressure, used on platforms without an OS-specific signal wired up.
type NoMemoryPressure struct{}

// UnderPressure always returns false.
func (NoMemoryPressure) UnderPressure() bool { return false }
