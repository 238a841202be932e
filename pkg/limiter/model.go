package limiter

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RemainingUnknown is reported in Decision.Remaining when the backend could not
// determine how many requests are left (for example when a fallback allowed the
// request without consulting any storage).
const RemainingUnknown int64 = -1

// Window describes a time span as the sum of its components.
type Window struct {
	Milliseconds int64
	Seconds      int64
	Minutes      int64
	Hours        int64
}

// Duration returns the total length of the window. It is only meaningful for
// windows accepted by NewLimit.
func (w Window) Duration() time.Duration {
	d, _ := w.sum()
	return d
}

// sum adds up the components of a non-negative window and reports false if
// the total does not fit in a time.Duration.
func (w Window) sum() (time.Duration, bool) {
	var total time.Duration
	for _, c := range []struct {
		n    int64
		unit time.Duration
	}{
		{w.Milliseconds, time.Millisecond},
		{w.Seconds, time.Second},
		{w.Minutes, time.Minute},
		{w.Hours, time.Hour},
	} {
		if c.n > int64(math.MaxInt64/c.unit) {
			return 0, false
		}
		d := time.Duration(c.n) * c.unit
		if total > math.MaxInt64-d {
			return 0, false
		}
		total += d
	}
	return total, true
}

// Limit is an immutable rate-limit rule: at most Times requests per Window.
// The zero value is not valid; build one with NewLimit.
type Limit struct {
	times  int64
	window time.Duration
}

// NewLimit validates and builds a Limit.
func NewLimit(times int64, w Window) (Limit, error) {
	if times < 1 {
		return Limit{}, fmt.Errorf("%w: times must be >= 1, got %d", ErrInvalidPolicy, times)
	}
	if w.Milliseconds < 0 || w.Seconds < 0 || w.Minutes < 0 || w.Hours < 0 {
		return Limit{}, fmt.Errorf("%w: window components must not be negative", ErrInvalidPolicy)
	}
	d, ok := w.sum()
	if !ok {
		return Limit{}, fmt.Errorf("%w: window overflows %s", ErrInvalidPolicy, time.Duration(math.MaxInt64))
	}
	if d <= 0 {
		return Limit{}, fmt.Errorf("%w: window must be greater than 0ms", ErrInvalidPolicy)
	}
	return Limit{times: times, window: d}, nil
}

// MustLimit is like NewLimit but panics on an invalid rule. It is meant for
// package-level rule declarations.
func MustLimit(times int64, w Window) Limit {
	l, err := NewLimit(times, w)
	if err != nil {
		panic(err)
	}
	return l
}

// Times is the number of requests allowed per window.
func (l Limit) Times() int64 { return l.times }

// Window is the length of the trailing window.
func (l Limit) Window() time.Duration { return l.window }

// WindowMillis is the window length in whole milliseconds.
func (l Limit) WindowMillis() int64 { return l.window.Milliseconds() }

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.times, l.window)
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allow      bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetTime  time.Time
}

// RetryAfterMillis returns RetryAfter in whole milliseconds.
func (d Decision) RetryAfterMillis() int64 {
	return d.RetryAfter.Milliseconds()
}

// Backend is the lifecycle and check contract shared by every storage
// implementation.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Check(ctx context.Context, key string, limit Limit) (Decision, error)
	IsConnected() bool
}
