// Package jobs is the durable work core: the enqueue guard, the dispatcher that
// applies success and failure transitions, backoff and the recovery sweeper.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
)

// Store is the persistence collaborator for jobs. InsertJob must reject, atomically,
// a job whose idempotency key is held by a queued or running job.
type Store interface {
	InsertJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string, now, staleBefore time.Time) (models.Job, bool, error)
	MarkCompleted(ctx context.Context, id string, startedAt time.Time, result map[string]any, now time.Time) error
	MarkRetry(ctx context.Context, id string, startedAt time.Time, errMsg string, nextRun time.Time) error
	MarkFailed(ctx context.Context, id string, startedAt time.Time, errMsg string, now time.Time) error
	ListDueQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error)
	RescheduleQueued(ctx context.Context, id string, nextRun time.Time) error
}

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	Type           models.JobType
	Queue          string
	TenantID       string
	Payload        map[string]any
	IdempotencyKey string
	// MaxAttempts defaults to the service default when zero.
	MaxAttempts int
	// Delay holds the first delivery back.
	Delay time.Duration
}

// Enqueued is the persisted job plus the outcome of the best-effort transport push.
type Enqueued struct {
	Job      models.Job
	Delivery queue.Result
}

// Service is the enqueue guard in front of the job store.
type Service struct {
	store              Store
	pusher             queue.Pusher
	log                logrus.FieldLogger
	defaultMaxAttempts int
	now                func() time.Time
}

// NewService builds the enqueue guard. A nil pusher behaves as queue.Discard.
func NewService(st Store, pusher queue.Pusher, defaultMaxAttempts int, log logrus.FieldLogger) *Service {
	if pusher == nil {
		pusher = queue.Discard{}
	}
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &Service{
		store:              st,
		pusher:             pusher,
		log:                log,
		defaultMaxAttempts: defaultMaxAttempts,
		now:                time.Now,
	}
}

// Enqueue persists a queued job and then pushes it to the transport. A push failure
// is reported in Enqueued.Delivery and never rolls back the job row; the sweeper
// redelivers it later. A held idempotency key fails with a DuplicateIntent conflict.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (Enqueued, error) {
	if req.Type == "" {
		return Enqueued{}, apperr.Validation("job type is required")
	}
	if req.Queue == "" {
		return Enqueued{}, apperr.Validation("queue is required")
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.defaultMaxAttempts
	}
	if req.MaxAttempts < 1 {
		return Enqueued{}, apperr.Validation("max_attempts must be >= 1, got %d", req.MaxAttempts)
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.Delay < 0 {
		return Enqueued{}, apperr.Validation("delay must not be negative")
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	job := models.Job{
		ID:             uuid.New().String(),
		Type:           req.Type,
		Queue:          req.Queue,
		Status:         models.StatusQueued,
		TenantID:       emptyToNil(req.TenantID),
		Payload:        req.Payload,
		Attempt:        0,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: emptyToNil(req.IdempotencyKey),
		NextRunAt:      now.Add(req.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	job, err := s.store.InsertJob(ctx, job)
	if err != nil {
		if apperr.IsConflict(err, apperr.ReasonDuplicateIntent) {
			telemetry.DuplicateIntents.Inc()
			return Enqueued{}, err
		}
		return Enqueued{}, fmt.Errorf("insert job: %w", err)
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Queue, string(job.Type)).Inc()

	var res queue.Result
	if req.Delay > 0 {
		res = s.pusher.PushAfter(ctx, job.ID, job.Queue, req.Delay)
	} else {
		res = s.pusher.Push(ctx, job.ID, job.Queue)
	}
	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type, "queue": job.Queue})
	if !res.Delivered {
		telemetry.TransportFailures.WithLabelValues("push").Inc()
		log.WithError(res.Err).Warn("job persisted but not pushed to transport; left for sweeper")
	} else {
		log.Debug("job enqueued")
	}
	return Enqueued{Job: job, Delivery: res}, nil
}

// Redeliver pushes a queued job to the transport again. Used for manual recovery.
func (s *Service) Redeliver(ctx context.Context, id string) (queue.Result, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return queue.Result{}, err
	}
	if job.Status != models.StatusQueued {
		return queue.Result{}, apperr.Conflict("", "job %s is %s; only queued jobs can be redelivered", id, job.Status)
	}
	res := s.pusher.Push(ctx, job.ID, job.Queue)
	if !res.Delivered {
		telemetry.TransportFailures.WithLabelValues("redeliver").Inc()
	}
	return res, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
