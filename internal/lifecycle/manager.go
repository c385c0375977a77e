// Package lifecycle guards SIM provisioning actions. Requests are validated
// against a closed transition table, audited, and queued as jobs; the SIM status
// only changes later, inside the job handler.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/jobs"
	"fleetcore/internal/models"
	"fleetcore/internal/telemetry"
)

// Action is a requested SIM lifecycle transition.
type Action string

const (
	ActionActivate Action = "activate"
	ActionSuspend  Action = "suspend"
	ActionResume   Action = "resume"
)

type transition struct {
	from []models.SimStatus
	to   models.SimStatus
	job  models.JobType
}

var transitions = map[Action]transition{
	ActionActivate: {from: []models.SimStatus{models.SimInventory, models.SimSuspended}, to: models.SimActive, job: models.JobSimActivate},
	ActionSuspend:  {from: []models.SimStatus{models.SimActive}, to: models.SimSuspended, job: models.JobSimSuspend},
	ActionResume:   {from: []models.SimStatus{models.SimSuspended}, to: models.SimActive, job: models.JobSimResume},
}

// Actions lists the supported actions.
func Actions() []Action {
	return []Action{ActionActivate, ActionSuspend, ActionResume}
}

// AllowedFrom returns the statuses action may be requested from.
func AllowedFrom(action Action) ([]models.SimStatus, bool) {
	t, ok := transitions[action]
	if !ok {
		return nil, false
	}
	return append([]models.SimStatus(nil), t.from...), true
}

// Store is the SIM persistence the manager and handlers need.
type Store interface {
	GetSim(ctx context.Context, tenantID string, id int64) (models.Sim, error)
	ApplySimStatus(ctx context.Context, simID int64, jobID string, allowedFrom []models.SimStatus, to models.SimStatus) (models.Sim, error)
	TerminateSim(ctx context.Context, tenantID string, id int64, actor string) (models.Sim, models.SimEvent, error)
	InsertSimEvent(ctx context.Context, ev models.SimEvent) (models.SimEvent, error)
	LinkSimEventJob(ctx context.Context, eventID int64, jobID string) error
	DeleteSimEvent(ctx context.Context, eventID int64) error
	ListSimEvents(ctx context.Context, simID int64) ([]models.SimEvent, error)
}

// Enqueuer creates jobs behind the idempotency guard.
type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (jobs.Enqueued, error)
}

// ActionResult is returned to callers of RequestAction; the outcome is observed by
// polling the job.
type ActionResult struct {
	SimID   int64  `json:"sim_id"`
	Action  Action `json:"action"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Manager validates lifecycle requests and turns them into jobs.
type Manager struct {
	store    Store
	enqueuer Enqueuer
	log      logrus.FieldLogger
}

func NewManager(st Store, enqueuer Enqueuer, log logrus.FieldLogger) *Manager {
	return &Manager{store: st, enqueuer: enqueuer, log: log}
}

// RequestAction checks the transition, writes the audit event, and enqueues the
// sim.<action> job. A second request for the same SIM and action while the first
// job is queued or running fails with a DuplicateIntent conflict from the job store.
func (m *Manager) RequestAction(ctx context.Context, tenantID string, simID int64, action Action, actor string) (ActionResult, error) {
	res, err := m.requestAction(ctx, tenantID, simID, action, actor)
	outcome := "queued"
	switch {
	case err == nil:
	case apperr.ReasonOf(err) != "":
		outcome = string(apperr.ReasonOf(err))
	case apperr.KindOf(err) != "":
		outcome = string(apperr.KindOf(err))
	default:
		outcome = "error"
	}
	telemetry.LifecycleRequests.WithLabelValues(string(action), outcome).Inc()
	return res, err
}

func (m *Manager) requestAction(ctx context.Context, tenantID string, simID int64, action Action, actor string) (ActionResult, error) {
	t, ok := transitions[action]
	if !ok {
		return ActionResult{}, apperr.Validation("unknown action %q", action)
	}

	sim, err := m.store.GetSim(ctx, tenantID, simID)
	if err != nil {
		return ActionResult{}, err
	}
	if !contains(t.from, sim.Status) {
		return ActionResult{}, apperr.Conflict(apperr.ReasonInvalidTransition,
			"cannot %s SIM in status %q (valid from: %v)", action, sim.Status, t.from)
	}

	ev, err := m.store.InsertSimEvent(ctx, models.SimEvent{
		SimID:        sim.ID,
		EventType:    string(action),
		StatusBefore: sim.Status,
		InitiatedBy:  actor,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("record %s event: %w", action, err)
	}

	enq, err := m.enqueuer.Enqueue(ctx, jobs.EnqueueRequest{
		Type:     t.job,
		Queue:    models.QueueProvisioning,
		TenantID: sim.TenantID,
		Payload: map[string]any{
			"sim_id":  sim.ID,
			"iccid":   sim.ICCID,
			"carrier": sim.Carrier,
		},
		IdempotencyKey: fmt.Sprintf("%s.%d", t.job, sim.ID),
	})
	if err != nil {
		// A rejected request leaves no audit row behind.
		if delErr := m.store.DeleteSimEvent(context.WithoutCancel(ctx), ev.ID); delErr != nil {
			m.log.WithError(delErr).WithField("event_id", ev.ID).Error("could not remove event of rejected SIM action")
		}
		return ActionResult{}, err
	}

	if err := m.store.LinkSimEventJob(ctx, ev.ID, enq.Job.ID); err != nil {
		return ActionResult{}, fmt.Errorf("link event %d to job %s: %w", ev.ID, enq.Job.ID, err)
	}

	m.log.WithFields(logrus.Fields{
		"sim_id": sim.ID,
		"action": action,
		"job_id": enq.Job.ID,
		"actor":  actor,
	}).Info("SIM action queued")

	return ActionResult{
		SimID:   sim.ID,
		Action:  action,
		JobID:   enq.Job.ID,
		Message: fmt.Sprintf("SIM %s queued as job %s", action, enq.Job.ID),
	}, nil
}

// RequestUsagePoll queues a carrier usage poll for a SIM on the polling lane.
// Only one poll per SIM may be outstanding.
func (m *Manager) RequestUsagePoll(ctx context.Context, tenantID string, simID int64) (string, error) {
	sim, err := m.store.GetSim(ctx, tenantID, simID)
	if err != nil {
		return "", err
	}
	if sim.Status == models.SimTerminated {
		return "", apperr.Conflict(apperr.ReasonInvalidTransition, "SIM %d is terminated", sim.ID)
	}
	enq, err := m.enqueuer.Enqueue(ctx, jobs.EnqueueRequest{
		Type:           models.JobSimPollUsage,
		Queue:          models.QueuePolling,
		TenantID:       sim.TenantID,
		Payload:        map[string]any{"sim_id": sim.ID, "iccid": sim.ICCID, "carrier": sim.Carrier},
		IdempotencyKey: fmt.Sprintf("%s.%d", models.JobSimPollUsage, sim.ID),
	})
	if err != nil {
		return "", err
	}
	return enq.Job.ID, nil
}

// Terminate soft-deletes a SIM outside the transition table and records a
// terminate event carrying both statuses.
func (m *Manager) Terminate(ctx context.Context, tenantID string, simID int64, actor string) (models.Sim, error) {
	sim, ev, err := m.store.TerminateSim(ctx, tenantID, simID, actor)
	if err != nil {
		return models.Sim{}, err
	}
	m.log.WithFields(logrus.Fields{
		"sim_id":        sim.ID,
		"status_before": ev.StatusBefore,
		"actor":         actor,
	}).Info("SIM terminated")
	return sim, nil
}

// Events returns the audit trail of a SIM visible to tenantID.
func (m *Manager) Events(ctx context.Context, tenantID string, simID int64) ([]models.SimEvent, error) {
	if _, err := m.store.GetSim(ctx, tenantID, simID); err != nil {
		return nil, err
	}
	return m.store.ListSimEvents(ctx, simID)
}

// ApplyActivation records a successful carrier activation.
func ApplyActivation(ctx context.Context, st Store, simID int64, jobID string) (models.Sim, error) {
	return apply(ctx, st, ActionActivate, simID, jobID)
}

// ApplySuspension records a successful carrier suspension.
func ApplySuspension(ctx context.Context, st Store, simID int64, jobID string) (models.Sim, error) {
	return apply(ctx, st, ActionSuspend, simID, jobID)
}

// ApplyResumption records a successful carrier resumption.
func ApplyResumption(ctx context.Context, st Store, simID int64, jobID string) (models.Sim, error) {
	return apply(ctx, st, ActionResume, simID, jobID)
}

func apply(ctx context.Context, st Store, action Action, simID int64, jobID string) (models.Sim, error) {
	t := transitions[action]
	return st.ApplySimStatus(ctx, simID, jobID, t.from, t.to)
}

func contains(set []models.SimStatus, s models.SimStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
