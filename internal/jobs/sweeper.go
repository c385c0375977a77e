package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
)

// Sweeper re-pushes queued jobs whose next_run_at passed more than grace ago, and
// running jobs whose claim is older than staleAfter. The first covers pushes lost to
// transport outages and retries whose scheduled redelivery could not be recorded.
// The second covers workers that died, or lost the store, after claiming a job:
// their transport lease expires long before the claim goes stale, so the last
// delivery is already acknowledged by the time the job can be reclaimed.
type Sweeper struct {
	store      Store
	pusher     queue.Pusher
	grace      time.Duration
	staleAfter time.Duration
	batch      int
	interval   time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewSweeper builds a sweeper. staleAfter must match the dispatcher's so that a
// re-pushed running job is claimable when it arrives; zero disables that pass.
func NewSweeper(st Store, pusher queue.Pusher, grace, staleAfter, interval time.Duration, batch int, log logrus.FieldLogger) *Sweeper {
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{store: st, pusher: pusher, grace: grace, staleAfter: staleAfter, batch: batch, interval: interval, log: log, now: time.Now}
}

// SweepOnce runs one pass and returns the number of jobs redelivered.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	due, err := s.store.ListDueQueued(ctx, now.Add(-s.grace), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list overdue jobs: %w", err)
	}
	pushed := 0
	for _, job := range due {
		if !s.push(ctx, job.ID, job.Queue) {
			continue
		}
		// Pushing again on the next pass is harmless but noisy; move the clock forward.
		if err := s.store.RescheduleQueued(ctx, job.ID, now); err != nil {
			return pushed, fmt.Errorf("reschedule %s: %w", job.ID, err)
		}
		pushed++
	}

	if s.staleAfter > 0 {
		stale, err := s.store.ListStaleRunning(ctx, now.Add(-s.staleAfter), s.batch)
		if err != nil {
			return pushed, fmt.Errorf("list stale running jobs: %w", err)
		}
		for _, job := range stale {
			if s.push(ctx, job.ID, job.Queue) {
				s.log.WithFields(logrus.Fields{"job_id": job.ID, "attempt": job.Attempt}).Warn("stale running job redelivered for reclaim")
				pushed++
			}
		}
	}

	if pushed > 0 {
		s.log.WithField("count", pushed).Info("sweeper redelivered jobs")
	}
	return pushed, nil
}

func (s *Sweeper) push(ctx context.Context, jobID, q string) bool {
	res := s.pusher.Push(ctx, jobID, q)
	if !res.Delivered {
		telemetry.TransportFailures.WithLabelValues("sweep").Inc()
		s.log.WithError(res.Err).WithField("job_id", jobID).Warn("sweeper could not redeliver job")
		return false
	}
	telemetry.SweepRedeliveries.Inc()
	return true
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
