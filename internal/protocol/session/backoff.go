package session

import (
	"math/rand"
	"time"
)

// BackoffConfig spaces reconnect and retry attempts. Delays grow by
// Multiplier from InitialDelay and stop growing at MaxDelay. Jitter spreads
// each delay over [0.5, 1.5) of its nominal value.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the wait before attempt (1-based) is retried. rng may be nil,
// in which case jitter uses the midpoint.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			break
		}
		if b.Multiplier > 1 {
			d = time.Duration(float64(d) * b.Multiplier)
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if !b.Jitter || attempt <= 1 {
		return d
	}
	f := 1.0
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(float64(d) * f)
}
