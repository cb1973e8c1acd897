package reconnect

import "time"

// Policy holds the retry and polling tunables.
type Policy struct {
	BaseDelay    time.Duration // first retry delay before jitter
	MaxDelay     time.Duration // cap on the exponential delay
	MaxRetries   int           // consecutive transport losses before fatal
	JitterFrac   float64       // ± fraction of randomization per delay
	PollInterval time.Duration // fixed interval of the degraded polling mode
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		MaxRetries:   5,
		JitterFrac:   0.2,
		PollInterval: 5 * time.Second,
	}
}

// Delay computes the wait before retry number `retry` (0-based):
// base * 2^retry, capped at MaxDelay, with ±JitterFrac random jitter so
// multiple tabs reconnecting at once do not stampede the backend.
// rnd must return a value in [0, 1).
func (p Policy) Delay(retry int, rnd func() float64) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterFrac > 0 && rnd != nil {
		factor := 1 + p.JitterFrac*(2*rnd()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}
