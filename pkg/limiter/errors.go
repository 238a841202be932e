package limiter

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPolicy          = errors.New("limiter: invalid rate limit policy")
	ErrNotConnected           = errors.New("limiter: backend is not connected")
	ErrStoreUnavailable       = errors.New("limiter: store unavailable")
	ErrScriptLoadFailed       = errors.New("limiter: failed to load script")
	ErrCapacityExceeded       = errors.New("limiter: memory backend reached max keys")
	ErrBothBackendsFailed     = errors.New("limiter: both backends failed")
	ErrNoHealthyBackend       = errors.New("limiter: backend failed and no healthy alternative")
	ErrNestedComposite        = errors.New("limiter: nested composite backends are not allowed")
	ErrUnexpectedScriptResult = errors.New("limiter: unexpected script result")
)

// BothBackendsFailedError is returned by CompositeBackend when the selected
// backend and its alternative both failed for the same check.
type BothBackendsFailedError struct {
	Primary  error
	Fallback error
}

func (e *BothBackendsFailedError) Error() string {
	return fmt.Sprintf("both backends failed: primary=%v, fallback=%v", e.Primary, e.Fallback)
}

func (e *BothBackendsFailedError) Is(target error) bool {
	return target == ErrBothBackendsFailed
}

func (e *BothBackendsFailedError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// BackendFailedError is returned by CompositeBackend when a backend failed and
// the other one was not connected.
type BackendFailedError struct {
	Backend string
	Err     error
}

func (e *BackendFailedError) Error() string {
	return fmt.Sprintf("%s backend failed and no healthy alternative: %v", e.Backend, e.Err)
}

func (e *BackendFailedError) Is(target error) bool {
	return target == ErrNoHealthyBackend
}

func (e *BackendFailedError) Unwrap() error {
	return e.Err
}
