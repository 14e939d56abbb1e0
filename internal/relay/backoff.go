package relay

import "time"

// BackoffStrategy maps a zero-based retry attempt to the wait before it.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff waits min(Max, Initial*2^attempt).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		if delay >= b.Max || delay > b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
