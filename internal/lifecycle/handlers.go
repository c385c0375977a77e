package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/jobs"
	"fleetcore/internal/models"
)

// Carrier performs provider-side SIM operations. Calls may be repeated for the
// same SIM under redelivery.
type Carrier interface {
	Activate(ctx context.Context, sim models.Sim) error
	Suspend(ctx context.Context, sim models.Sim) error
	Resume(ctx context.Context, sim models.Sim) error
	Usage(ctx context.Context, sim models.Sim) (map[string]any, error)
}

// LogCarrier records the provider call it would make. Used until carrier
// credentials are provisioned per tenant.
type LogCarrier struct {
	Log logrus.FieldLogger
}

func (c LogCarrier) Activate(_ context.Context, sim models.Sim) error {
	c.entry(sim).Info("would call carrier API to activate SIM")
	return nil
}

func (c LogCarrier) Suspend(_ context.Context, sim models.Sim) error {
	c.entry(sim).Info("would call carrier API to suspend SIM")
	return nil
}

func (c LogCarrier) Resume(_ context.Context, sim models.Sim) error {
	c.entry(sim).Info("would call carrier API to resume SIM")
	return nil
}

func (c LogCarrier) Usage(_ context.Context, sim models.Sim) (map[string]any, error) {
	c.entry(sim).Info("would poll carrier usage")
	return map[string]any{"status": "skipped", "reason": "provider credentials not configured"}, nil
}

func (c LogCarrier) entry(sim models.Sim) logrus.FieldLogger {
	return c.Log.WithFields(logrus.Fields{"sim_id": sim.ID, "iccid": sim.ICCID, "carrier": sim.Carrier})
}

// Handlers executes the sim.* job types.
type Handlers struct {
	store   Store
	carrier Carrier
	log     logrus.FieldLogger
}

func NewHandlers(st Store, carrier Carrier, log logrus.FieldLogger) *Handlers {
	return &Handlers{store: st, carrier: carrier, log: log}
}

// Register adds the sim.* handlers to m.
func (h *Handlers) Register(m map[models.JobType]jobs.Handler) {
	m[models.JobSimActivate] = jobs.HandlerFunc(h.activate)
	m[models.JobSimSuspend] = jobs.HandlerFunc(h.suspend)
	m[models.JobSimResume] = jobs.HandlerFunc(h.resume)
	m[models.JobSimPollUsage] = jobs.HandlerFunc(h.pollUsage)
}

func (h *Handlers) activate(ctx context.Context, job models.Job) (map[string]any, error) {
	return h.run(ctx, job, ActionActivate, h.carrier.Activate, ApplyActivation)
}

func (h *Handlers) suspend(ctx context.Context, job models.Job) (map[string]any, error) {
	return h.run(ctx, job, ActionSuspend, h.carrier.Suspend, ApplySuspension)
}

func (h *Handlers) resume(ctx context.Context, job models.Job) (map[string]any, error) {
	return h.run(ctx, job, ActionResume, h.carrier.Resume, ApplyResumption)
}

type applyFunc func(ctx context.Context, st Store, simID int64, jobID string) (models.Sim, error)

func (h *Handlers) run(ctx context.Context, job models.Job, action Action, call func(context.Context, models.Sim) error, applyFn applyFunc) (map[string]any, error) {
	t := transitions[action]
	simID, err := simIDFrom(job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	sim, err := h.store.GetSim(ctx, "", simID)
	if apperr.IsNotFound(err) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	log := h.log.WithFields(logrus.Fields{"sim_id": sim.ID, "job_id": job.ID, "action": action, "attempt": job.Attempt})

	if sim.Status == t.to {
		// A previous delivery already applied the outcome.
		log.Info("SIM already in target status; replay treated as success")
		if err := h.backfill(ctx, sim.ID, job.ID, t.to, log); err != nil {
			return nil, err
		}
		return outcome(sim, true), nil
	}
	if !contains(t.from, sim.Status) {
		return nil, jobs.Permanent(fmt.Errorf("cannot %s SIM in status %q (valid from: %v)", action, sim.Status, t.from))
	}

	if err := call(ctx, sim); err != nil {
		return nil, fmt.Errorf("carrier %s: %w", action, err)
	}

	updated, err := applyFn(ctx, h.store, sim.ID, job.ID)
	if apperr.IsConflict(err, apperr.ReasonInvalidTransition) {
		// Lost a race; another delivery may have applied the same outcome.
		current, getErr := h.store.GetSim(ctx, "", sim.ID)
		if getErr == nil && current.Status == t.to {
			if err := h.backfill(ctx, sim.ID, job.ID, t.to, log); err != nil {
				return nil, err
			}
			return outcome(current, true), nil
		}
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("status", updated.Status).Info("SIM status applied")
	return outcome(updated, false), nil
}

// backfill records status_after on the job's event when the status was applied
// by an earlier delivery. A SIM that has since moved on keeps its event as is.
func (h *Handlers) backfill(ctx context.Context, simID int64, jobID string, to models.SimStatus, log logrus.FieldLogger) error {
	_, err := h.store.ApplySimStatus(ctx, simID, jobID, []models.SimStatus{to}, to)
	if apperr.IsConflict(err, apperr.ReasonInvalidTransition) {
		log.WithError(err).Warn("SIM left target status before event backfill")
		return nil
	}
	return err
}

func (h *Handlers) pollUsage(ctx context.Context, job models.Job) (map[string]any, error) {
	simID, err := simIDFrom(job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	sim, err := h.store.GetSim(ctx, "", simID)
	if apperr.IsNotFound(err) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	usage, err := h.carrier.Usage(ctx, sim)
	if err != nil {
		return nil, fmt.Errorf("carrier usage: %w", err)
	}
	out := map[string]any{"sim_id": sim.ID}
	for k, v := range usage {
		out[k] = v
	}
	return out, nil
}

func outcome(sim models.Sim, replay bool) map[string]any {
	res := map[string]any{"sim_id": sim.ID, "new_status": string(sim.Status)}
	if replay {
		res["replay"] = true
	}
	return res
}

// simIDFrom reads sim_id from a job payload, which holds an int64 when built in
// process and a JSON number after a round trip through Postgres.
func simIDFrom(payload map[string]any) (int64, error) {
	raw, ok := payload["sim_id"]
	if !ok {
		return 0, errors.New("payload missing sim_id")
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("sim_id has unexpected type %T", raw)
	}
}
