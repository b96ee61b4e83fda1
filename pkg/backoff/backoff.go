// Package backoff computes capped exponential retry delays.
package backoff

import "time"

type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Cap bounds the delay; growth plateaus once reached.
	Cap time.Duration

	// MaxRetries is the attempt count after which a pair is terminal.
	MaxRetries int
}

func Default() Policy {
	return Policy{
		Base:       30 * time.Second,
		Cap:        15 * time.Minute,
		MaxRetries: 5,
	}
}

// Delay returns min(Cap, Base * 2^retry). retry is the number of failures
// already recorded, starting at zero.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.Cap || d < 0 {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// NextRetryAt schedules the next attempt after the given failure count.
func (p Policy) NextRetryAt(now time.Time, retry int) time.Time {
	return now.Add(p.Delay(retry))
}

// Exhausted reports whether the retry budget is spent and the pair should be
// marked failed for manual intervention.
func (p Policy) Exhausted(retry int) bool {
	return retry > p.MaxRetries
}
