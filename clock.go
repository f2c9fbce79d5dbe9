package driftsync

import (
	"time"
)

// Clock abstracts time for the reconnect and heartbeat state machines so
// they can be driven deterministically in tests. The system clock is the
// default everywhere; settings structs carry the override.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// reconnect delay schedule: min(maxDelay, baseDelay * 2^(attempt-1)).
// `attempt` starts at 1.
type reconnectBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (self *reconnectBackoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := self.baseDelay
	for i := 1; i < attempt; i += 1 {
		d *= 2
		if self.maxDelay <= d {
			return self.maxDelay
		}
	}
	if self.maxDelay < d {
		return self.maxDelay
	}
	return d
}
