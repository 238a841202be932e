package limiter

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

//go:embed scripts/fixed_window.lua
var fixedWindowSource string

//go:embed scripts/sliding_window.lua
var slidingWindowSource string

// Script is a window algorithm executed atomically inside Redis.
//
// Every script receives the rate-limit key as KEYS[1], the allowed count as
// ARGV[1] and the window in milliseconds as ARGV[2]; Args supplies anything
// after that. A script must return {retry_after_ms, current_count}.
type Script interface {
	Name() string
	Source() (string, error)
	Args(now time.Time) []interface{}
}

// FixedWindowScript keeps one counter per key that expires with the window.
// It is cheap but lets up to twice the limit through around window
// boundaries.
type FixedWindowScript struct{}

func (FixedWindowScript) Name() string { return "fixed_window" }

func (FixedWindowScript) Source() (string, error) { return fixedWindowSource, nil }

func (FixedWindowScript) Args(time.Time) []interface{} { return nil }

// SlidingWindowScript keeps a sorted set of request times per key and counts
// only those inside the trailing window.
type SlidingWindowScript struct{}

func (SlidingWindowScript) Name() string { return "sliding_window" }

func (SlidingWindowScript) Source() (string, error) { return slidingWindowSource, nil }

// Args adds the current time and a random member so that requests landing in
// the same millisecond, from any instance, are counted separately.
func (SlidingWindowScript) Args(now time.Time) []interface{} {
	return []interface{}{now.UnixMilli(), uuid.NewString()}
}

// FileScript loads its Lua source from disk when the backend connects. It
// gets no arguments beyond the common ones.
type FileScript struct {
	Path string
}

func (s FileScript) Name() string { return "file:" + s.Path }

func (s FileScript) Source() (string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", s.Path, err)
	}
	return string(b), nil
}

func (FileScript) Args(time.Time) []interface{} { return nil }

// ParseScript maps a configuration name to a Script. path is only used by
// "file".
func ParseScript(name, path string) (Script, error) {
	switch name {
	case "", "sliding", "sliding_window":
		return SlidingWindowScript{}, nil
	case "fixed", "fixed_window":
		return FixedWindowScript{}, nil
	case "file":
		if path == "" {
			return nil, fmt.Errorf("file script requires a path")
		}
		return FileScript{Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown script %q", name)
	}
}

// parseScriptResult reads the {retry_after_ms, current_count} pair.
func parseScriptResult(v interface{}) (retryAfterMs, current int64, err error) {
	values, ok := v.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnexpectedScriptResult, v)
	}
	if retryAfterMs, err = toInt64(values[0]); err != nil {
		return 0, 0, err
	}
	if current, err = toInt64(values[1]); err != nil {
		return 0, 0, err
	}
	return retryAfterMs, current, nil
}

func toInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnexpectedScriptResult, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnexpectedScriptResult, val)
	}
}
