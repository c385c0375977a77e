package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"fleetcore/internal/models"
)

// ThrottledCarrier caps provider calls per carrier so a burst of jobs on one lane
// does not trip the provider's own rate limit. Calls block until a token is free
// or ctx ends.
type ThrottledCarrier struct {
	next  Carrier
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottledCarrier wraps next. A non-positive perSecond disables throttling.
func NewThrottledCarrier(next Carrier, perSecond float64, burst int) *ThrottledCarrier {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledCarrier{next: next, limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (c *ThrottledCarrier) limiter(carrier string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[carrier]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[carrier] = l
	}
	return l
}

func (c *ThrottledCarrier) Activate(ctx context.Context, sim models.Sim) error {
	if err := c.limiter(sim.Carrier).Wait(ctx); err != nil {
		return err
	}
	return c.next.Activate(ctx, sim)
}

func (c *ThrottledCarrier) Suspend(ctx context.Context, sim models.Sim) error {
	if err := c.limiter(sim.Carrier).Wait(ctx); err != nil {
		return err
	}
	return c.next.Suspend(ctx, sim)
}

func (c *ThrottledCarrier) Resume(ctx context.Context, sim models.Sim) error {
	if err := c.limiter(sim.Carrier).Wait(ctx); err != nil {
		return err
	}
	return c.next.Resume(ctx, sim)
}

func (c *ThrottledCarrier) Usage(ctx context.Context, sim models.Sim) (map[string]any, error) {
	if err := c.limiter(sim.Carrier).Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Usage(ctx, sim)
}
