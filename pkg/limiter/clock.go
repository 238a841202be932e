package limiter

import "time"

// Clock provides the current time to the backends.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
