package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// retentionHorizon is how long the background sweep keeps timestamps,
// independent of any rule's window.
const retentionHorizon = 24 * time.Hour

// keyEntry is the sliding log for a single key. A check that finds removed set
// lost a race with deletion and must look the key up again.
type keyEntry struct {
	mu         sync.Mutex
	timestamps []time.Time
	removed    bool
}

// pruneUpTo drops every timestamp at or before cutoff and reports how many
// were dropped. Timestamps are appended in order, so they stay sorted.
func (e *keyEntry) pruneUpTo(cutoff time.Time) int {
	i := 0
	for i < len(e.timestamps) && !e.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[i:]...)
	}
	return i
}

func (e *keyEntry) slide(limit Limit, now time.Time) Decision {
	e.pruneUpTo(now.Add(-limit.Window()))

	count := int64(len(e.timestamps))
	if count >= limit.Times() {
		reset := e.timestamps[0].Add(limit.Window())
		retry := reset.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allow:      false,
			Limit:      limit.Times(),
			Remaining:  0,
			RetryAfter: retry,
			ResetTime:  reset,
		}
	}

	e.timestamps = append(e.timestamps, now)
	return Decision{
		Allow:     true,
		Limit:     limit.Times(),
		Remaining: limit.Times() - count - 1,
	}
}

// MemoryBackend is an in-process sliding-window limiter.
//
// It is safe for concurrent use by multiple goroutines. Checks on different
// keys only contend on a short map lookup; the read-modify-write of a key's
// log happens under that key's own mutex. State is local to the process and
// is not shared across replicas. Use RedisBackend when you need a single
// global limit across multiple instances.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*keyEntry

	connected   atomic.Bool
	lastCleanup atomic.Int64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	cleanupInterval time.Duration
	maxKeys         int
	fallback        fallbackPolicy
	logger          *zap.Logger
	recorder        MetricsRecorder
	clock           Clock
}

// NewMemoryBackend constructs a disconnected MemoryBackend with empty state.
func NewMemoryBackend(opts ...Option) *MemoryBackend {
	o := buildOptions(opts)
	o.logger = o.logger.Named("memory")
	m := &MemoryBackend{
		entries:         make(map[string]*keyEntry),
		cleanupInterval: o.cleanupInterval,
		maxKeys:         o.maxKeys,
		fallback:        newFallbackPolicy("memory", o),
		logger:          o.logger,
		recorder:        o.recorder,
		clock:           o.clock,
	}
	m.lastCleanup.Store(o.clock.Now().UnixNano())
	return m
}

// Connect marks the backend usable and starts the background sweep.
// Calling Connect on a connected backend is a no-op.
func (m *MemoryBackend) Connect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.connected.Load() {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.lastCleanup.Store(m.clock.Now().UnixNano())
	m.connected.Store(true)

	m.wg.Add(1)
	go m.runCleanup(loopCtx)

	m.logger.Debug("memory backend connected",
		zap.Duration("cleanup_interval", m.cleanupInterval),
		zap.Int("max_keys", m.maxKeys),
		zap.Stringer("fallback_mode", m.fallback.mode))
	return nil
}

// Disconnect stops the sweep, waits for it to exit and drops all state.
func (m *MemoryBackend) Disconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.connected.Store(false)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()

	m.ClearAll(ctx)
	m.logger.Debug("memory backend disconnected")
	return nil
}

func (m *MemoryBackend) IsConnected() bool {
	return m.connected.Load()
}

// Check records a request for key and reports whether it fits in the window.
func (m *MemoryBackend) Check(ctx context.Context, key string, limit Limit) (Decision, error) {
	if !m.connected.Load() {
		return Decision{}, fmt.Errorf("memory: %w", ErrNotConnected)
	}
	start := time.Now()

	for {
		e, ok := m.entry(key)
		if !ok {
			m.logger.Warn("max keys reached, applying fallback",
				zap.Int("max_keys", m.maxKeys), zap.Stringer("fallback_mode", m.fallback.mode))
			cause := fmt.Errorf("%w (%d)", ErrCapacityExceeded, m.maxKeys)
			return m.fallback.apply(cause, key, limit, m.clock.Now())
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		dec := e.slide(limit, m.clock.Now())
		e.mu.Unlock()

		m.recorder.Add(MetricCall, 1, map[string]string{"backend": "memory", "result": resultTag(dec)})
		m.recorder.Observe(MetricLatency, time.Since(start).Seconds(), map[string]string{"backend": "memory"})
		if dec.Allow {
			m.logger.Debug("request allowed",
				zap.String("key", key), zap.Int64("remaining", dec.Remaining))
		} else {
			m.logger.Debug("rate limit exceeded",
				zap.String("key", key), zap.Duration("retry_after", dec.RetryAfter))
		}
		return dec, nil
	}
}

// entry returns the log for key, creating it when there is room. It reports
// false when key is new and the store already holds maxKeys keys.
func (m *MemoryBackend) entry(key string) (*keyEntry, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e, true
	}
	if len(m.entries) >= m.maxKeys {
		return nil, false
	}
	e = &keyEntry{}
	m.entries[key] = e
	return e, true
}

// ClearKey forgets everything recorded for key and reports whether the key
// was stored.
func (m *MemoryBackend) ClearKey(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(m.entries, key)
	return true
}

// ClearAll drops every stored key.
func (m *MemoryBackend) ClearAll(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	m.entries = make(map[string]*keyEntry)
	m.logger.Debug("all in-memory rate limit data cleared")
}

// MemoryStats is a point-in-time view of MemoryBackend usage.
type MemoryStats struct {
	TotalKeys               int   `json:"total_keys"`
	TotalEntries            int   `json:"total_entries"`
	MaxKeys                 int   `json:"max_keys_limit"`
	SecondsSinceLastCleanup int64 `json:"last_cleanup_seconds_ago"`
}

func (m *MemoryBackend) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, e := range m.entries {
		e.mu.Lock()
		total += len(e.timestamps)
		e.mu.Unlock()
	}
	last := time.Unix(0, m.lastCleanup.Load())
	return MemoryStats{
		TotalKeys:               len(m.entries),
		TotalEntries:            total,
		MaxKeys:                 m.maxKeys,
		SecondsSinceLastCleanup: int64(m.clock.Now().Sub(last) / time.Second),
	}
}

func (m *MemoryBackend) runCleanup(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeSweep()
		}
	}
}

// safeSweep keeps the cleanup loop alive if a single pass panics.
func (m *MemoryBackend) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("background cleanup failed", zap.Any("panic", r))
		}
	}()
	m.sweep()
}

// sweep drops timestamps older than the retention horizon and deletes keys
// left empty.
func (m *MemoryBackend) sweep() {
	cutoff := m.clock.Now().Add(-retentionHorizon)
	removedKeys, cleaned, remaining := m.sweepLocked(cutoff)

	if removedKeys > 0 || cleaned > 0 {
		m.logger.Debug("cleanup completed",
			zap.Int("removed_keys", removedKeys),
			zap.Int("cleaned_entries", cleaned),
			zap.Int("total_keys", remaining))
	}
	m.lastCleanup.Store(m.clock.Now().UnixNano())
}

func (m *MemoryBackend) sweepLocked(cutoff time.Time) (removedKeys, cleaned, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		n, empty := sweepEntry(e, cutoff)
		cleaned += n
		if empty {
			delete(m.entries, key)
			removedKeys++
		}
	}
	return removedKeys, cleaned, len(m.entries)
}

func sweepEntry(e *keyEntry, cutoff time.Time) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.pruneUpTo(cutoff)
	if len(e.timestamps) == 0 {
		e.removed = true
		return n, true
	}
	return n, false
}

// Compile-time interface verification.
var _ Backend = (*MemoryBackend)(nil)
