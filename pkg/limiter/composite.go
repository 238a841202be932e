package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	primaryName  = "primary"
	fallbackName = "fallback"
)

// CompositeBackend puts a primary and a fallback Backend behind a single
// Backend, routing each check according to its Strategy and retrying on the
// other backend when the chosen one fails.
//
// Neither backend may itself be a CompositeBackend.
type CompositeBackend struct {
	primary  Backend
	fallback Backend

	strategy            Strategy
	failureThreshold    int
	recoveryTimeout     time.Duration
	healthCheckInterval time.Duration

	// mu guards everything below. It is never held while a delegated backend
	// call is in flight.
	mu              sync.Mutex
	connected       bool
	circuit         CircuitState
	failureCount    int
	lastFailureAt   time.Time
	lastSuccessAt   time.Time
	primaryHealthy  bool
	fallbackHealthy bool

	primaryRequests  int64
	fallbackRequests int64
	primaryErrors    int64
	fallbackErrors   int64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger   *zap.Logger
	recorder MetricsRecorder
	clock    Clock
}

// NewCompositeBackend wires primary and fallback together. It fails with
// ErrNestedComposite when either is a CompositeBackend.
func NewCompositeBackend(primary, fallback Backend, opts ...Option) (*CompositeBackend, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("limiter: composite backend requires a primary and a fallback")
	}
	if _, ok := primary.(*CompositeBackend); ok {
		return nil, ErrNestedComposite
	}
	if _, ok := fallback.(*CompositeBackend); ok {
		return nil, ErrNestedComposite
	}

	o := buildOptions(opts)
	return &CompositeBackend{
		primary:             primary,
		fallback:            fallback,
		strategy:            o.strategy,
		failureThreshold:    o.failureThreshold,
		recoveryTimeout:     o.recoveryTimeout,
		healthCheckInterval: o.healthCheckInterval,
		circuit:             CircuitClosed,
		primaryHealthy:      true,
		fallbackHealthy:     true,
		logger:              o.logger.Named("composite"),
		recorder:            o.recorder,
		clock:               o.clock,
	}, nil
}

// Primary returns the primary backend.
func (c *CompositeBackend) Primary() Backend { return c.primary }

// Fallback returns the fallback backend.
func (c *CompositeBackend) Fallback() Backend { return c.fallback }

// Connect connects both backends independently. It only fails when neither
// could be connected.
func (c *CompositeBackend) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	primaryErr := c.primary.Connect(ctx)
	if primaryErr != nil {
		c.logger.Warn("failed to connect primary backend", zap.Error(primaryErr))
	} else {
		c.logger.Debug("primary backend connected")
	}

	fallbackErr := c.fallback.Connect(ctx)
	if fallbackErr != nil {
		c.logger.Warn("failed to connect fallback backend", zap.Error(fallbackErr))
	} else {
		c.logger.Debug("fallback backend connected")
	}

	c.mu.Lock()
	c.primaryHealthy = primaryErr == nil
	c.fallbackHealthy = fallbackErr == nil
	if primaryErr != nil && c.strategy == StrategyCircuitBreaker {
		c.setCircuitLocked(CircuitOpen)
	}
	if primaryErr != nil && fallbackErr != nil {
		c.mu.Unlock()
		return fmt.Errorf("limiter: failed to connect both backends: %w", errors.Join(primaryErr, fallbackErr))
	}
	c.connected = true
	c.mu.Unlock()

	if c.strategy == StrategyHealthCheck && c.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.wg.Add(1)
		go c.runHealthChecks(loopCtx)
	}

	c.logger.Info("composite backend connected",
		zap.Bool("primary", primaryErr == nil),
		zap.Bool("fallback", fallbackErr == nil),
		zap.Stringer("strategy", c.strategy))
	return nil
}

// Disconnect stops health checking and disconnects both backends. Errors
// from the backends are logged, never returned, so one cannot block the
// other's cleanup.
func (c *CompositeBackend) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()

	var wg sync.WaitGroup
	for name, b := range map[string]Backend{primaryName: c.primary, fallbackName: c.fallback} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Disconnect(ctx); err != nil {
				c.logger.Warn("error disconnecting backend", zap.String("backend", name), zap.Error(err))
				return
			}
			c.logger.Debug("backend disconnected", zap.String("backend", name))
		}()
	}
	wg.Wait()

	c.logger.Debug("composite backend disconnected")
	return nil
}

// IsConnected reports whether Connect succeeded and at least one backend is
// still connected.
func (c *CompositeBackend) IsConnected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return connected && (c.primary.IsConnected() || c.fallback.IsConnected())
}

// Check routes the check to the selected backend and, if it fails, to the
// other one when that one is connected.
func (c *CompositeBackend) Check(ctx context.Context, key string, limit Limit) (Decision, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("composite: %w", ErrNotConnected)
	}
	usePrimary := c.selectLocked()
	c.mu.Unlock()

	backend, name, other, otherName := c.primary, primaryName, c.fallback, fallbackName
	if !usePrimary {
		backend, name, other, otherName = c.fallback, fallbackName, c.primary, primaryName
	}

	dec, err := backend.Check(ctx, key, limit)
	if err == nil {
		c.recordSuccess(usePrimary)
		c.recorder.Add(MetricCompositeRoute, 1, map[string]string{"backend": name})
		c.logger.Debug("rate limit check served", zap.String("backend", name))
		return dec, nil
	}

	c.recordFailure(usePrimary)
	c.logger.Warn("backend failed", zap.String("backend", name), zap.Error(err))

	if !other.IsConnected() {
		c.logger.Error("no healthy backend available", zap.String("failed", name))
		return Decision{}, &BackendFailedError{Backend: name, Err: err}
	}

	dec, otherErr := other.Check(ctx, key, limit)
	if otherErr != nil {
		c.logger.Error("both backends failed",
			zap.NamedError(name, err), zap.NamedError(otherName, otherErr))
		if usePrimary {
			return Decision{}, &BothBackendsFailedError{Primary: err, Fallback: otherErr}
		}
		return Decision{}, &BothBackendsFailedError{Primary: otherErr, Fallback: err}
	}

	c.mu.Lock()
	c.countRequestLocked(!usePrimary)
	c.mu.Unlock()
	c.recorder.Add(MetricCompositeRoute, 1, map[string]string{"backend": otherName})
	c.logger.Info("served by other backend after failure",
		zap.String("backend", otherName), zap.String("failed", name))
	return dec, nil
}

// selectLocked reports whether the next check goes to the primary. In the
// circuit breaker strategy it may move an open circuit to half-open.
func (c *CompositeBackend) selectLocked() bool {
	switch c.strategy {
	case StrategyFailFast:
		return c.primary.IsConnected() || !c.fallback.IsConnected()
	case StrategyCircuitBreaker:
		switch c.circuit {
		case CircuitClosed, CircuitHalfOpen:
			return true
		case CircuitOpen:
			if c.recoveryDueLocked() {
				c.setCircuitLocked(CircuitHalfOpen)
				c.logger.Info("circuit breaker moving to half-open")
				return true
			}
			return false
		default:
			panic(fmt.Sprintf("limiter: unknown circuit state %v", c.circuit))
		}
	case StrategyHealthCheck:
		if c.primaryHealthy && c.primary.IsConnected() {
			return true
		}
		return !(c.fallbackHealthy && c.fallback.IsConnected())
	default:
		panic(fmt.Sprintf("limiter: unknown switching strategy %v", c.strategy))
	}
}

// recoveryDueLocked reports whether an open circuit has waited out the
// recovery timeout. An open circuit with no recorded failure stays open.
func (c *CompositeBackend) recoveryDueLocked() bool {
	return !c.lastFailureAt.IsZero() && c.clock.Now().Sub(c.lastFailureAt) >= c.recoveryTimeout
}

func (c *CompositeBackend) recordSuccess(primary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSuccessAt = c.clock.Now()
	c.countRequestLocked(primary)

	if !primary || c.strategy != StrategyCircuitBreaker {
		return
	}
	switch c.circuit {
	case CircuitHalfOpen:
		c.setCircuitLocked(CircuitClosed)
		c.failureCount = 0
		c.logger.Info("circuit breaker closed, primary backend recovered")
	case CircuitClosed:
		c.failureCount = 0
	case CircuitOpen:
	}
}

func (c *CompositeBackend) recordFailure(primary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFailureAt = c.clock.Now()
	if primary {
		c.primaryErrors++
	} else {
		c.fallbackErrors++
	}

	if !primary || c.strategy != StrategyCircuitBreaker {
		return
	}
	c.failureCount++
	switch c.circuit {
	case CircuitClosed:
		if c.failureCount >= c.failureThreshold {
			c.setCircuitLocked(CircuitOpen)
			c.logger.Warn("circuit breaker opened",
				zap.Int("failures", c.failureCount),
				zap.Duration("recovery_timeout", c.recoveryTimeout))
		}
	case CircuitHalfOpen:
		c.setCircuitLocked(CircuitOpen)
		c.logger.Warn("circuit breaker back to open after failed trial")
	case CircuitOpen:
	}
}

func (c *CompositeBackend) countRequestLocked(primary bool) {
	if primary {
		c.primaryRequests++
	} else {
		c.fallbackRequests++
	}
}

func (c *CompositeBackend) setCircuitLocked(s CircuitState) {
	if c.circuit == s {
		return
	}
	c.circuit = s
	c.recorder.Add(MetricCircuitTransition, 1, map[string]string{"to": s.String()})
}

// ForceToPrimary closes the circuit and resets the failure count. It does
// nothing unless the strategy is StrategyCircuitBreaker.
func (c *CompositeBackend) ForceToPrimary() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strategy != StrategyCircuitBreaker {
		return
	}
	c.setCircuitLocked(CircuitClosed)
	c.failureCount = 0
	c.logger.Info("manually forced switch to primary backend")
}

// ForceToFallback opens the circuit. It does nothing unless the strategy is
// StrategyCircuitBreaker.
func (c *CompositeBackend) ForceToFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strategy != StrategyCircuitBreaker {
		return
	}
	c.setCircuitLocked(CircuitOpen)
	c.logger.Info("manually forced switch to fallback backend")
}

// CurrentBackend names the backend the next check would go to, without
// changing circuit state.
func (c *CompositeBackend) CurrentBackend() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.strategy == StrategyCircuitBreaker && c.circuit == CircuitOpen {
		if c.recoveryDueLocked() {
			return primaryName
		}
		return fallbackName
	}
	if c.selectLocked() {
		return primaryName
	}
	return fallbackName
}

// CompositeStats is a point-in-time view of CompositeBackend routing.
type CompositeStats struct {
	Strategy              Strategy     `json:"strategy"`
	CircuitState          CircuitState `json:"circuit_state"`
	PrimaryHealthy        bool         `json:"primary_healthy"`
	FallbackHealthy       bool         `json:"fallback_healthy"`
	PrimaryConnected      bool         `json:"primary_connected"`
	FallbackConnected     bool         `json:"fallback_connected"`
	FailureCount          int          `json:"failure_count"`
	LastFailureSecondsAgo *int64       `json:"last_failure_seconds_ago"`
	LastSuccessSecondsAgo *int64       `json:"last_success_seconds_ago"`
	PrimaryRequests       int64        `json:"primary_requests"`
	FallbackRequests      int64        `json:"fallback_requests"`
	PrimaryErrors         int64        `json:"primary_errors"`
	FallbackErrors        int64        `json:"fallback_errors"`
	TotalRequests         int64        `json:"total_requests"`
	TotalErrors           int64        `json:"total_errors"`
}

func (c *CompositeBackend) Stats() CompositeStats {
	primaryConnected := c.primary.IsConnected()
	fallbackConnected := c.fallback.IsConnected()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	secondsSince := func(t time.Time) *int64 {
		if t.IsZero() {
			return nil
		}
		s := int64(now.Sub(t) / time.Second)
		return &s
	}
	return CompositeStats{
		Strategy:              c.strategy,
		CircuitState:          c.circuit,
		PrimaryHealthy:        c.primaryHealthy,
		FallbackHealthy:       c.fallbackHealthy,
		PrimaryConnected:      primaryConnected,
		FallbackConnected:     fallbackConnected,
		FailureCount:          c.failureCount,
		LastFailureSecondsAgo: secondsSince(c.lastFailureAt),
		LastSuccessSecondsAgo: secondsSince(c.lastSuccessAt),
		PrimaryRequests:       c.primaryRequests,
		FallbackRequests:      c.fallbackRequests,
		PrimaryErrors:         c.primaryErrors,
		FallbackErrors:        c.fallbackErrors,
		TotalRequests:         c.primaryRequests + c.fallbackRequests,
		TotalErrors:           c.primaryErrors + c.fallbackErrors,
	}
}

func (c *CompositeBackend) runHealthChecks(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth probes both backends and records the result.
func (c *CompositeBackend) checkHealth() {
	primaryOK := c.probe(primaryName, c.primary)
	fallbackOK := c.probe(fallbackName, c.fallback)

	c.mu.Lock()
	c.primaryHealthy = primaryOK
	c.fallbackHealthy = fallbackOK
	c.mu.Unlock()

	c.logger.Debug("health check completed",
		zap.Bool("primary", primaryOK), zap.Bool("fallback", fallbackOK))
}

// probe treats a panicking IsConnected as unhealthy.
func (c *CompositeBackend) probe(name string, b Backend) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("health check failed", zap.String("backend", name), zap.Any("panic", r))
			ok = false
		}
	}()
	ok = b.IsConnected()
	if !ok {
		c.logger.Debug("health check failed, not connected", zap.String("backend", name))
	}
	return ok
}

// Compile-time interface verification.
var _ Backend = (*CompositeBackend)(nil)
