package webhook

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/jobs"
	"fleetcore/internal/models"
)

// Handler processes stored payloads for the webhook.* job types. Running it twice
// for the same payload is harmless.
type Handler struct {
	store PayloadStore
	log   logrus.FieldLogger
}

func NewHandler(st PayloadStore, log logrus.FieldLogger) *Handler {
	return &Handler{store: st, log: log}
}

// Register adds one handler per webhook source to m.
func (h *Handler) Register(m map[models.JobType]jobs.Handler) {
	for _, jt := range sourceJobs {
		m[jt] = jobs.HandlerFunc(h.process)
	}
}

func (h *Handler) process(ctx context.Context, job models.Job) (map[string]any, error) {
	payloadID, _ := job.Payload["payload_id"].(string)
	if payloadID == "" {
		return nil, jobs.Permanent(fmt.Errorf("job %s has no payload_id", job.ID))
	}
	p, err := h.store.GetPayload(ctx, payloadID)
	if apperr.IsNotFound(err) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	eventType := EventType(p.Body)
	if !p.Processed {
		if err := h.store.MarkPayloadProcessed(ctx, payloadID); err != nil {
			return nil, err
		}
	}
	h.log.WithFields(logrus.Fields{
		"payload_id": payloadID,
		"source":     p.Source,
		"event_type": eventType,
		"job_id":     job.ID,
	}).Info("webhook payload processed")

	out := map[string]any{"payload_id": payloadID, "source": p.Source, "processed": true}
	if eventType != "" {
		out["event_type"] = eventType
	}
	return out, nil
}

// EventType extracts the provider event name from a parsed body. Telnyx nests it
// under data; other providers use a top-level event_type, event or type field.
func EventType(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	if data, ok := m["data"].(map[string]any); ok {
		if s := firstString(data, "event_type", "type"); s != "" {
			return s
		}
	}
	return firstString(m, "event_type", "event", "type")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
