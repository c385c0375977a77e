// Package api exposes webhook ingress, SIM lifecycle actions and job inspection
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/lifecycle"
	"fleetcore/internal/liveness"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/telemetry"
	"fleetcore/internal/webhook"
)

// Lifecycle is the SIM lifecycle surface.
type Lifecycle interface {
	RequestAction(ctx context.Context, tenantID string, simID int64, action lifecycle.Action, actor string) (lifecycle.ActionResult, error)
	RequestUsagePoll(ctx context.Context, tenantID string, simID int64) (string, error)
	Terminate(ctx context.Context, tenantID string, simID int64, actor string) (models.Sim, error)
	Events(ctx context.Context, tenantID string, simID int64) ([]models.SimEvent, error)
}

// Ingestor accepts webhook bodies.
type Ingestor interface {
	Ingest(ctx context.Context, source string, raw []byte, headers map[string]string) (webhook.Ack, error)
}

// JobReader reads job state for polling clients.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
}

// Redeliverer re-pushes a queued job.
type Redeliverer interface {
	Redeliver(ctx context.Context, id string) (queue.Result, error)
}

// HealthCheck reports a dependency's health.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the server routes to.
type Deps struct {
	Lifecycle    Lifecycle
	Ingestor     Ingestor
	Jobs         JobReader
	Redeliverer  Redeliverer
	Checks       map[string]HealthCheck
	MaxBodyBytes int64
	Log          logrus.FieldLogger
}

// Server wires HTTP handlers.
type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	return &Server{deps: deps, log: deps.Log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{source}", s.handleWebhook)

	r.Route("/sims/{id}", func(r chi.Router) {
		r.Post("/actions", s.handleAction)
		r.Post("/activate", s.actionRoute(lifecycle.ActionActivate))
		r.Post("/suspend", s.actionRoute(lifecycle.ActionSuspend))
		r.Post("/resume", s.actionRoute(lifecycle.ActionResume))
		r.Post("/poll-usage", s.handlePollUsage)
		r.Delete("/", s.handleTerminate)
		r.Get("/events", s.handleEvents)
	})

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/redeliver", s.handleRedeliver)

	r.Post("/liveness/summary", s.handleLiveness)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	out := map[string]string{"status": "ok"}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			out["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, status, out)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if _, ok := webhook.JobTypeFor(source); !ok {
		writeError(w, apperr.NotFound("unknown webhook source %q", source))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read body"})
		return
	}

	ack, err := s.deps.Ingestor.Ingest(r.Context(), source, raw, flattenHeaders(r.Header))
	if err != nil {
		s.log.WithError(err).WithField("source", source).Error("webhook ingest failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

type actionRequest struct {
	Action string `json:"action" validate:"required,oneof=activate suspend resume"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	if fields := validateStruct(&req); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}
	s.requestAction(w, r, lifecycle.Action(req.Action))
}

func (s *Server) actionRoute(action lifecycle.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requestAction(w, r, action)
	}
}

func (s *Server) requestAction(w http.ResponseWriter, r *http.Request, action lifecycle.Action) {
	simID, ok := simIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Lifecycle.RequestAction(r.Context(), tenantFromRequest(r), simID, action, actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handlePollUsage(w http.ResponseWriter, r *http.Request) {
	simID, ok := simIDParam(w, r)
	if !ok {
		return
	}
	jobID, err := s.deps.Lifecycle.RequestUsagePoll(r.Context(), tenantFromRequest(r), simID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sim_id": simID, "job_id": jobID})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	simID, ok := simIDParam(w, r)
	if !ok {
		return
	}
	sim, err := s.deps.Lifecycle.Terminate(r.Context(), tenantFromRequest(r), simID, actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	simID, ok := simIDParam(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Lifecycle.Events(r.Context(), tenantFromRequest(r), simID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

type listJobsQuery struct {
	Status string `json:"status" validate:"omitempty,oneof=queued running completed failed"`
	Type   string `json:"job_type"`
	Limit  int    `json:"limit" validate:"gte=1,lte=200"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := listJobsQuery{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("job_type"),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
			return
		}
		q.Limit = n
	}
	if fields := validateStruct(&q); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}
	items, err := s.deps.Jobs.ListJobs(r.Context(), models.JobFilter{
		TenantID: tenantFromRequest(r),
		Status:   q.Status,
		Type:     q.Type,
		Limit:    q.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job.TenantID == nil || *job.TenantID != tenantFromRequest(r) {
		writeError(w, apperr.NotFound("job %s not found", job.ID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Redeliverer.Redeliver(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"job_id": id, "delivered": res.Delivered}
	if res.Err != nil {
		out["transport_error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusAccepted, out)
}

type deviceInput struct {
	DeviceID          string     `json:"device_id" validate:"required"`
	LastHeartbeat     *time.Time `json:"last_heartbeat"`
	HeartbeatInterval *int       `json:"heartbeat_interval" validate:"omitempty,gte=1"`
}

type livenessRequest struct {
	At      *time.Time    `json:"at"`
	Devices []deviceInput `json:"devices" validate:"dive"`
}

// handleLiveness computes device and site status for the posted heartbeats.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	var req livenessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	if fields := validateStruct(&req); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}
	now := time.Now()
	if req.At != nil {
		now = *req.At
	}
	devices := make([]models.Device, 0, len(req.Devices))
	for _, d := range req.Devices {
		devices = append(devices, models.Device{DeviceID: d.DeviceID, LastHeartbeat: d.LastHeartbeat, HeartbeatInterval: d.HeartbeatInterval})
	}
	writeJSON(w, http.StatusOK, liveness.Summarize(now, devices))
}

const (
	tenantHeader = "X-Tenant-ID"
	actorHeader  = "X-Actor"
)

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get(tenantHeader); v != "" {
		return v
	}
	return "default"
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get(actorHeader); v != "" {
		return v
	}
	return "api"
}

func simIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "sim id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// flattenHeaders keeps the first value of each header under its lower-cased name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

type errorBody struct {
	Error  string            `json:"error"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: appErr.Message, Reason: string(appErr.Reason)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
