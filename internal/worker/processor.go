// Package worker drains the delivery transport and hands each leased job id to
// the dispatcher.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/config"
	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
)

// Transport is the consumer side of the delivery transport.
type Transport interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (queue.Delivery, error)
	ExtendLease(ctx context.Context, d queue.Delivery, extension time.Duration) error
	Ack(ctx context.Context, d queue.Delivery) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Dispatcher runs one delivered job. A non-nil error leaves the delivery
// unacknowledged so the lease expires and the job is delivered again.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Processor runs the worker loops.
type Processor struct {
	transport    Transport
	dispatcher   Dispatcher
	log          logrus.FieldLogger
	concurrency  int
	pollInterval time.Duration
	visibility   time.Duration
	batch        int64
}

func NewProcessor(cfg config.Config, t Transport, d Dispatcher, log logrus.FieldLogger) *Processor {
	p := &Processor{
		transport:    t,
		dispatcher:   d,
		log:          log,
		concurrency:  cfg.WorkerConcurrency,
		pollInterval: cfg.WorkerPollInterval,
		visibility:   cfg.VisibilityTimeout,
		batch:        int64(cfg.ScheduledBatchSize),
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.visibility <= 0 {
		p.visibility = 5 * time.Minute
	}
	if p.batch <= 0 {
		p.batch = 100
	}
	return p
}

// Run starts one housekeeping loop and the configured number of delivery loops,
// and blocks until ctx is cancelled and every in-progress job has returned.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeep(ctx)
	}()
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, p.log.WithField("slot", slot))
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// housekeep promotes due retries and reclaims expired leases.
func (p *Processor) housekeep(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		p.Tick(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one housekeeping pass at now.
func (p *Processor) Tick(ctx context.Context, now time.Time) {
	if n, err := p.transport.PromoteScheduled(ctx, now, p.batch); err != nil {
		p.log.WithError(err).Warn("promote scheduled deliveries failed")
	} else if n > 0 {
		p.log.WithField("count", n).Debug("promoted scheduled deliveries")
	}
	reclaimed, err := p.transport.RequeueExpired(ctx, now, p.batch)
	if err != nil {
		p.log.WithError(err).Warn("requeue expired leases failed")
	} else if len(reclaimed) > 0 {
		p.log.WithField("job_ids", reclaimed).Warn("reclaimed expired leases")
	}
	if depth, err := p.transport.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) loop(ctx context.Context, log logrus.FieldLogger) {
	for ctx.Err() == nil {
		worked, err := p.ProcessOne(ctx)
		if err != nil {
			log.WithError(err).Warn("delivery loop error")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessOne leases and dispatches a single delivery. worked is false when
// nothing was ready.
func (p *Processor) ProcessOne(ctx context.Context) (worked bool, err error) {
	d, err := p.transport.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if d.JobID == "" {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// The job keeps running through shutdown so its outcome is recorded.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go p.keepLease(jobCtx, d)

	if err := p.dispatcher.Dispatch(jobCtx, d.JobID); err != nil {
		return true, err
	}
	if err := p.transport.Ack(jobCtx, d); err != nil {
		p.log.WithError(err).WithField("job_id", d.JobID).Warn("ack failed; delivery will repeat after lease expiry")
	}
	return true, nil
}

// keepLease extends the lease at half the visibility timeout until ctx ends.
func (p *Processor) keepLease(ctx context.Context, d queue.Delivery) {
	ticker := time.NewTicker(p.visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.transport.ExtendLease(ctx, d, p.visibility); err != nil && ctx.Err() == nil {
				p.log.WithError(err).WithField("job_id", d.JobID).Warn("extend lease failed")
			}
		}
	}
}
