package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"fleetcore/internal/config"
)

// ErrNoTransport is returned by Discard.
var ErrNoTransport = errors.New("no delivery transport configured")

// Breaker guards a Pusher with a circuit breaker so an unavailable transport
// fails fast instead of stalling enqueue and ingest callers.
type Breaker struct {
	next Pusher
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next using the TRANSPORT_BREAKER_* settings.
func NewBreaker(next Pusher, cfg config.Config) *Breaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "delivery-transport",
			MaxRequests: cfg.BreakerMaxRequests,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}),
	}
}

// State reports the breaker state, for health output.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Push(ctx context.Context, jobID, queue string) Result {
	return b.run(func() Result { return b.next.Push(ctx, jobID, queue) })
}

func (b *Breaker) PushAfter(ctx context.Context, jobID, queue string, delay time.Duration) Result {
	return b.run(func() Result { return b.next.PushAfter(ctx, jobID, queue, delay) })
}

func (b *Breaker) run(call func() Result) Result {
	var res Result
	_, err := b.cb.Execute(func() (interface{}, error) {
		res = call()
		return nil, res.Err
	})
	if err != nil {
		return Undelivered(err)
	}
	return res
}
