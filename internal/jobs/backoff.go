package jobs

import (
	"math"
	"math/rand"
	"time"

	"fleetcore/internal/config"
)

// Backoff computes redelivery delays: min(Base * 2^attempt + jitter(0, Jitter), Cap).
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	Cap    time.Duration

	// rand returns a value in [0, 1). Nil uses math/rand.
	rand func() float64
}

// NewBackoff reads BACKOFF_BASE, BACKOFF_JITTER and BACKOFF_CAP.
func NewBackoff(cfg config.Config) Backoff {
	return Backoff{Base: cfg.BackoffBase, Jitter: cfg.BackoffJitter, Cap: cfg.BackoffCap}
}

// Delay returns the wait before redelivering a job that just failed its attempt-th run.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	wait := float64(b.Base)*math.Pow(2, float64(attempt)) + r()*float64(b.Jitter)
	if b.Cap > 0 && wait > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(wait)
}
