// Package webhook accepts provider callbacks: it persists the raw request, queues
// a webhook.<source> job and processes the stored payload when that job runs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetcore/internal/apperr"
	"fleetcore/internal/jobs"
	"fleetcore/internal/models"
	"fleetcore/internal/ratelimit"
	"fleetcore/internal/telemetry"
)

var sourceJobs = map[string]models.JobType{
	"telnyx":  models.JobWebhookTelnyx,
	"vola":    models.JobWebhookVola,
	"tmobile": models.JobWebhookTmobile,
}

// Sources lists the accepted provider sources.
func Sources() []string {
	return []string{"telnyx", "vola", "tmobile"}
}

// JobTypeFor maps a source to its processing job type.
func JobTypeFor(source string) (models.JobType, bool) {
	jt, ok := sourceJobs[source]
	return jt, ok
}

// PayloadStore persists integration payloads.
type PayloadStore interface {
	InsertPayload(ctx context.Context, p models.IntegrationPayload) error
	GetPayload(ctx context.Context, payloadID string) (models.IntegrationPayload, error)
	MarkPayloadProcessed(ctx context.Context, payloadID string) error
}

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (jobs.Enqueued, error)
}

// Archiver keeps a copy of the raw inbound bytes outside the database.
type Archiver interface {
	Archive(ctx context.Context, p models.IntegrationPayload, raw []byte) error
}

// Limiter meters inbound traffic per source.
type Limiter interface {
	Allow(ctx context.Context, source string) (ratelimit.Decision, error)
}

// Ack is returned to the provider. Deferred is set when the source is over its
// rate and processing was postponed.
type Ack struct {
	PayloadID string `json:"payload_id"`
	JobID     string `json:"job_id"`
	Message   string `json:"message"`
	Deferred  bool   `json:"deferred,omitempty"`
}

// Ingestor is the webhook ingestion pipeline.
type Ingestor struct {
	store    PayloadStore
	enqueuer Enqueuer
	archiver Archiver
	limiter  Limiter
	deferBy  time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewIngestor builds an ingestor. archiver may be nil.
func NewIngestor(st PayloadStore, enqueuer Enqueuer, archiver Archiver, log logrus.FieldLogger) *Ingestor {
	return &Ingestor{store: st, enqueuer: enqueuer, archiver: archiver, log: log, now: time.Now}
}

// WithLimiter paces processing per source. A request over the rate is still
// persisted and acknowledged; its job is held back by deferBy.
func (i *Ingestor) WithLimiter(l Limiter, deferBy time.Duration) *Ingestor {
	i.limiter = l
	i.deferBy = deferBy
	return i
}

// Ingest persists the request and queues its processing. A body that does not
// parse as JSON is kept verbatim and does not fail ingestion.
func (i *Ingestor) Ingest(ctx context.Context, source string, raw []byte, headers map[string]string) (Ack, error) {
	jobType, ok := JobTypeFor(source)
	if !ok {
		return Ack{}, apperr.Validation("unknown webhook source %q", source)
	}

	p := models.IntegrationPayload{
		PayloadID: NewPayloadID(),
		Source:    source,
		Direction: models.DirectionInbound,
		Headers:   headers,
		CreatedAt: i.now().UTC(),
	}
	if body, ok := decodeBody(raw); ok {
		p.Body = body
	} else {
		text := strings.ToValidUTF8(string(raw), string(utf8.RuneError))
		p.RawBody = &text
	}

	if err := i.store.InsertPayload(ctx, p); err != nil {
		return Ack{}, fmt.Errorf("persist %s payload: %w", source, err)
	}
	telemetry.WebhooksIngested.WithLabelValues(source, fmt.Sprint(p.Body != nil)).Inc()

	log := i.log.WithFields(logrus.Fields{"payload_id": p.PayloadID, "source": source})
	if i.archiver != nil {
		if err := i.archiver.Archive(ctx, p, raw); err != nil {
			log.WithError(err).Warn("raw payload archive failed")
		}
	}

	delay := i.pace(ctx, source, log)
	enq, err := i.enqueuer.Enqueue(ctx, jobs.EnqueueRequest{
		Type:    jobType,
		Queue:   models.QueueDefault,
		Payload: map[string]any{"payload_id": p.PayloadID, "source": source},
		Delay:   delay,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	ack := Ack{PayloadID: p.PayloadID, JobID: enq.Job.ID, Message: "accepted"}
	if delay > 0 {
		telemetry.WebhooksDeferred.WithLabelValues(source).Inc()
		ack.Deferred = true
		ack.Message = "accepted; processing deferred"
	}
	log.WithFields(logrus.Fields{"job_id": enq.Job.ID, "deferred": ack.Deferred}).Info("webhook accepted")
	return ack, nil
}

// pace returns how long to hold back processing for source. A limiter error
// does not slow ingestion.
func (i *Ingestor) pace(ctx context.Context, source string, log logrus.FieldLogger) time.Duration {
	if i.limiter == nil || i.deferBy <= 0 {
		return 0
	}
	d, err := i.limiter.Allow(ctx, source)
	if err != nil {
		log.WithError(err).Warn("rate limiter unavailable; processing without delay")
		return 0
	}
	if d.Allowed {
		return 0
	}
	return i.deferBy
}

// decodeBody parses exactly one JSON value. Numbers stay json.Number so large
// device identifiers keep every digit.
func decodeBody(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return body, true
}

// NewPayloadID returns "wh-" followed by 12 hex characters.
func NewPayloadID() string {
	return "wh-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
