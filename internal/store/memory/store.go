// Package memory is an in-process implementation of the persistence
// collaborator. It enforces the same invariants as the Postgres store under a
// single mutex and backs unit tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
)

// Store holds jobs, SIMs, SIM events and integration payloads in memory.
type Store struct {
	mu sync.Mutex

	jobs     map[string]models.Job
	sims     map[int64]models.Sim
	events   map[int64]models.SimEvent
	payloads map[string]models.IntegrationPayload

	nextSimID   int64
	nextEventID int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]models.Job),
		sims:     make(map[int64]models.Sim),
		events:   make(map[int64]models.SimEvent),
		payloads: make(map[string]models.IntegrationPayload),
	}
}

// Close is a no-op for the memory store.
func (s *Store) Close() {}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// InsertJob persists job unless a non-terminal job already holds its idempotency key.
func (s *Store) InsertJob(_ context.Context, job models.Job) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey && !existing.Terminal() {
				return models.Job{}, apperr.Conflict(apperr.ReasonDuplicateIntent,
					"job %s with idempotency key %q is still %s", existing.ID, *job.IdempotencyKey, existing.Status)
			}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return copyJob(job), nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return copyJob(job), nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(_ context.Context, f models.JobFilter) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if f.TenantID != "" && (j.TenantID == nil || *j.TenantID != f.TenantID) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && string(j.Type) != f.Type {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkRunning claims a queued job, or a running job whose start predates staleBefore.
// It returns claimed=false when the job is owned by another delivery or already terminal.
func (s *Store) MarkRunning(_ context.Context, id string, now, staleBefore time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false, apperr.NotFound("job %s not found", id)
	}
	claimable := job.Status == models.StatusQueued ||
		(job.Status == models.StatusRunning && job.StartedAt != nil && job.StartedAt.Before(staleBefore))
	if !claimable {
		return copyJob(job), false, nil
	}
	job.Status = models.StatusRunning
	job.Attempt++
	job.StartedAt = &now
	job.UpdatedAt = now
	s.jobs[id] = job
	return copyJob(job), true, nil
}

// MarkCompleted records a successful run and clears the last error.
func (s *Store) MarkCompleted(_ context.Context, id string, startedAt time.Time, result map[string]any, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(id, startedAt)
	if err != nil {
		return err
	}
	job.Status = models.StatusCompleted
	job.Result = copyMap(result)
	job.Error = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

// MarkRetry returns a running job to queued with the failure recorded.
func (s *Store) MarkRetry(_ context.Context, id string, startedAt time.Time, errMsg string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(id, startedAt)
	if err != nil {
		return err
	}
	job.Status = models.StatusQueued
	job.Error = &errMsg
	job.NextRunAt = nextRun
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

// MarkFailed moves a running job to the terminal failed status.
func (s *Store) MarkFailed(_ context.Context, id string, startedAt time.Time, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(id, startedAt)
	if err != nil {
		return err
	}
	job.Status = models.StatusFailed
	job.Error = &errMsg
	job.CompletedAt = &now
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

func (s *Store) owned(id string, startedAt time.Time) (models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	if job.Status != models.StatusRunning || job.StartedAt == nil || !job.StartedAt.Equal(startedAt) {
		return models.Job{}, apperr.Conflict(apperr.ReasonStaleDelivery, "job %s is no longer held by this delivery", id)
	}
	return job, nil
}

// ListDueQueued returns queued jobs whose next_run_at is before cutoff, oldest first.
func (s *Store) ListDueQueued(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if j.Status == models.StatusQueued && j.NextRunAt.Before(cutoff) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRunAt.Before(out[b].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStaleRunning returns running jobs started before startedBefore, oldest first.
func (s *Store) ListStaleRunning(_ context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(*out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RescheduleQueued moves next_run_at of a still-queued job.
func (s *Store) RescheduleQueued(_ context.Context, id string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.NotFound("job %s not found", id)
	}
	if job.Status != models.StatusQueued {
		return nil
	}
	job.NextRunAt = nextRun
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

// CreateSim inserts a SIM, assigning an id.
func (s *Store) CreateSim(_ context.Context, sim models.Sim) (models.Sim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sims {
		if existing.ICCID == sim.ICCID {
			return models.Sim{}, apperr.Conflict("", "a SIM with ICCID %s already exists", sim.ICCID)
		}
	}
	s.nextSimID++
	now := time.Now().UTC()
	sim.ID = s.nextSimID
	if sim.Status == "" {
		sim.Status = models.SimInventory
	}
	sim.CreatedAt, sim.UpdatedAt = now, now
	s.sims[sim.ID] = sim
	return sim, nil
}

// GetSim loads a SIM scoped to tenantID. An empty tenantID disables scoping.
func (s *Store) GetSim(_ context.Context, tenantID string, id int64) (models.Sim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.sims[id]
	if !ok || (tenantID != "" && sim.TenantID != tenantID) {
		return models.Sim{}, apperr.NotFound("SIM %d not found", id)
	}
	return sim, nil
}

// ApplySimStatus sets the SIM status when its current status is in allowedFrom and
// backfills status_after on the event linked to jobID, as one unit.
func (s *Store) ApplySimStatus(_ context.Context, simID int64, jobID string, allowedFrom []models.SimStatus, to models.SimStatus) (models.Sim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.sims[simID]
	if !ok {
		return models.Sim{}, apperr.NotFound("SIM %d not found", simID)
	}
	if !containsStatus(allowedFrom, sim.Status) {
		return models.Sim{}, apperr.Conflict(apperr.ReasonInvalidTransition,
			"SIM %d is %s, expected one of %v", simID, sim.Status, allowedFrom)
	}
	sim.Status = to
	sim.UpdatedAt = time.Now().UTC()
	s.sims[simID] = sim

	for id, ev := range s.events {
		if ev.JobID != nil && *ev.JobID == jobID {
			after := to
			ev.StatusAfter = &after
			s.events[id] = ev
		}
	}
	return sim, nil
}

// TerminateSim soft-deletes a SIM and records the terminate event.
func (s *Store) TerminateSim(_ context.Context, tenantID string, id int64, actor string) (models.Sim, models.SimEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.sims[id]
	if !ok || (tenantID != "" && sim.TenantID != tenantID) {
		return models.Sim{}, models.SimEvent{}, apperr.NotFound("SIM %d not found", id)
	}
	if sim.Status == models.SimTerminated {
		return models.Sim{}, models.SimEvent{}, apperr.Conflict(apperr.ReasonInvalidTransition, "SIM %d is already terminated", id)
	}
	before := sim.Status
	after := models.SimTerminated
	sim.Status = after
	sim.UpdatedAt = time.Now().UTC()
	s.sims[id] = sim

	s.nextEventID++
	ev := models.SimEvent{
		ID:           s.nextEventID,
		SimID:        id,
		EventType:    "terminate",
		StatusBefore: before,
		StatusAfter:  &after,
		InitiatedBy:  actor,
		CreatedAt:    sim.UpdatedAt,
	}
	s.events[ev.ID] = ev
	return sim, ev, nil
}

// InsertSimEvent appends an audit event.
func (s *Store) InsertSimEvent(_ context.Context, ev models.SimEvent) (models.SimEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sims[ev.SimID]; !ok {
		return models.SimEvent{}, apperr.NotFound("SIM %d not found", ev.SimID)
	}
	s.nextEventID++
	ev.ID = s.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Meta = copyMap(ev.Meta)
	s.events[ev.ID] = ev
	return ev, nil
}

// LinkSimEventJob records the job created for an event.
func (s *Store) LinkSimEventJob(_ context.Context, eventID int64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return apperr.NotFound("SIM event %d not found", eventID)
	}
	ev.JobID = &jobID
	s.events[eventID] = ev
	return nil
}

// DeleteSimEvent removes an event whose request was rejected before a job existed.
func (s *Store) DeleteSimEvent(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.events[eventID]; ok && ev.JobID == nil {
		delete(s.events, eventID)
	}
	return nil
}

// ListSimEvents returns a SIM's events in creation order.
func (s *Store) ListSimEvents(_ context.Context, simID int64) ([]models.SimEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SimEvent, 0)
	for _, ev := range s.events {
		if ev.SimID == simID {
			ev.Meta = copyMap(ev.Meta)
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// InsertPayload persists an integration payload.
func (s *Store) InsertPayload(_ context.Context, p models.IntegrationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payloads[p.PayloadID]; exists {
		return fmt.Errorf("payload %s already exists", p.PayloadID)
	}
	s.payloads[p.PayloadID] = copyPayload(p)
	return nil
}

// GetPayload loads an integration payload.
func (s *Store) GetPayload(_ context.Context, payloadID string) (models.IntegrationPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payloads[payloadID]
	if !ok {
		return models.IntegrationPayload{}, apperr.NotFound("payload %s not found", payloadID)
	}
	return copyPayload(p), nil
}

// MarkPayloadProcessed flips the processed flag.
func (s *Store) MarkPayloadProcessed(_ context.Context, payloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payloads[payloadID]
	if !ok {
		return apperr.NotFound("payload %s not found", payloadID)
	}
	p.Processed = true
	s.payloads[payloadID] = p
	return nil
}

func containsStatus(set []models.SimStatus, st models.SimStatus) bool {
	for _, v := range set {
		if v == st {
			return true
		}
	}
	return false
}

func copyJob(j models.Job) models.Job {
	j.Payload = copyMap(j.Payload)
	j.Result = copyMap(j.Result)
	return j
}

func copyPayload(p models.IntegrationPayload) models.IntegrationPayload {
	p.Body = copyValue(p.Body)
	if p.Headers != nil {
		h := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			h[k] = v
		}
		p.Headers = h
	}
	return p
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue clones the map and slice shapes produced by JSON decoding.
func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
