package ton

import (
	"math"
	"time"
)

// Backoff computes exponentially growing delays: Base * Factor^attempt, capped
// at Max.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// SendBackoff is used between send attempts: 1s, 2s, 4s ... up to 30s.
var SendBackoff = Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}

// PollBackoff is used between confirmation polls: 1s, 1.5s, 2.25s ... up to 5s.
var PollBackoff = Backoff{Base: time.Second, Factor: 1.5, Max: 5 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
