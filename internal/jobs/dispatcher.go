package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
)

// Dispatcher runs one delivered job: claim, resolve handler, execute, transition.
// Handler errors and panics become job state; only store failures are returned.
type Dispatcher struct {
	store      Store
	registry   *Registry
	pusher     queue.Pusher
	backoff    Backoff
	staleAfter time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewDispatcher builds a dispatcher. staleAfter is how long a running job may go
// without finishing before another delivery may reclaim it.
func NewDispatcher(st Store, registry *Registry, pusher queue.Pusher, backoff Backoff, staleAfter time.Duration, log logrus.FieldLogger) *Dispatcher {
	if pusher == nil {
		pusher = queue.Discard{}
	}
	return &Dispatcher{
		store:      st,
		registry:   registry,
		pusher:     pusher,
		backoff:    backoff,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Dispatch is invoked once per transport delivery of jobID.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	now := d.clock()
	log := d.log.WithField("job_id", jobID)

	job, claimed, err := d.store.MarkRunning(ctx, jobID, now, now.Add(-d.staleAfter))
	if apperr.IsNotFound(err) {
		log.Warn("delivery for unknown job ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		log.WithField("status", job.Status).Debug("job not claimable; duplicate delivery dropped")
		return nil
	}
	startedAt := *job.StartedAt
	log = log.WithFields(logrus.Fields{"job_type": job.Type, "attempt": job.Attempt, "max_attempts": job.MaxAttempts})

	if job.Attempt > job.MaxAttempts {
		return d.fail(ctx, log, job, startedAt, fmt.Sprintf("attempts exhausted (%d of %d) after stale run", job.Attempt-1, job.MaxAttempts))
	}

	handler, ok := d.registry.Lookup(job.Type)
	if !ok {
		return d.fail(ctx, log, job, startedAt, fmt.Sprintf("unknown job type: %s", job.Type))
	}

	result, runErr := d.execute(ctx, log, handler, job)
	if runErr == nil {
		err := d.store.MarkCompleted(ctx, job.ID, startedAt, result, d.clock())
		if apperr.IsConflict(err, apperr.ReasonStaleDelivery) {
			log.Warn("job completed but delivery was superseded; result discarded")
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark completed %s: %w", job.ID, err)
		}
		telemetry.JobOutcomes.WithLabelValues(string(job.Type), "completed").Inc()
		log.Info("job completed")
		return nil
	}

	if IsPermanent(runErr) || job.Attempt >= job.MaxAttempts {
		return d.fail(ctx, log.WithError(runErr), job, startedAt, runErr.Error())
	}
	return d.retry(ctx, log.WithError(runErr), job, startedAt, runErr.Error())
}

func (d *Dispatcher) retry(ctx context.Context, log logrus.FieldLogger, job models.Job, startedAt time.Time, msg string) error {
	delay := d.backoff.Delay(job.Attempt)
	err := d.store.MarkRetry(ctx, job.ID, startedAt, msg, d.clock().Add(delay))
	if apperr.IsConflict(err, apperr.ReasonStaleDelivery) {
		log.Warn("job failed but delivery was superseded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark retry %s: %w", job.ID, err)
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Type), "retried").Inc()

	res := d.pusher.PushAfter(ctx, job.ID, job.Queue, delay)
	if !res.Delivered {
		telemetry.TransportFailures.WithLabelValues("schedule").Inc()
		log.WithField("transport_error", res.Err).Warn("retry persisted but redelivery not scheduled; left for sweeper")
	}
	log.WithField("retry_in", delay.String()).Info("job attempt failed; retry scheduled")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, job models.Job, startedAt time.Time, msg string) error {
	err := d.store.MarkFailed(ctx, job.ID, startedAt, msg, d.clock())
	if apperr.IsConflict(err, apperr.ReasonStaleDelivery) {
		log.Warn("job failed but delivery was superseded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", job.ID, err)
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Type), "failed").Inc()
	log.WithField("error_message", msg).Error("job failed permanently")
	return nil
}

// execute calls the handler, converting a panic into an error.
func (d *Dispatcher) execute(ctx context.Context, log logrus.FieldLogger, h Handler, job models.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"panic": r, "stack": string(debug.Stack())}).Error("job handler panicked")
			result, err = nil, fmt.Errorf("panic in %s handler: %v", job.Type, r)
		}
	}()
	return h.Execute(ctx, job)
}

func (d *Dispatcher) clock() time.Time {
	return d.now().UTC().Truncate(time.Microsecond)
}
