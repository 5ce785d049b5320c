package conn

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the reconnection delay policy:
//
//	delay = min(Max, Base × 1.5^attempt + rand[0, Jitter))
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	// rand returns a value in [0, 1); nil uses math/rand.
	rand func() float64
}

// DefaultBackoff matches config.Defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Jitter:      200 * time.Millisecond,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(1.5, float64(attempt))
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += r() * float64(b.Jitter)
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts reached the cap. MaxAttempts <= 0
// retries forever.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
