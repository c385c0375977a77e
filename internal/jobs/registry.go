package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fleetcore/internal/models"
)

// Handler executes one job type. Handlers may be invoked more than once for the
// same job (at-least-once delivery) and must tolerate replays.
type Handler interface {
	Execute(ctx context.Context, job models.Job) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, job models.Job) (map[string]any, error) {
	return f(ctx, job)
}

// Registry is the closed mapping from job type to handler.
type Registry struct {
	handlers map[models.JobType]Handler
}

// NewRegistry builds a registry and fails unless every type in models.JobTypes
// has exactly one non-nil handler and no unknown type is mapped.
func NewRegistry(handlers map[models.JobType]Handler) (*Registry, error) {
	known := make(map[models.JobType]struct{}, len(models.JobTypes()))
	var errs []error
	for _, t := range models.JobTypes() {
		known[t] = struct{}{}
		h, ok := handlers[t]
		if !ok || h == nil {
			errs = append(errs, fmt.Errorf("no handler registered for job type %q", t))
		}
	}
	for t := range handlers {
		if _, ok := known[t]; !ok {
			errs = append(errs, fmt.Errorf("handler registered for unknown job type %q", t))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r := &Registry{handlers: make(map[models.JobType]Handler, len(handlers))}
	for t, h := range handlers {
		r.handlers[t] = h
	}
	return r, nil
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t models.JobType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []models.JobType {
	out := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
