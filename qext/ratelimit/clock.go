package ratelimit

import "time"

// Clock reports the current time to a Limiter.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
