package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fleetcore/internal/apperr"
	"fleetcore/internal/jobs"
	"fleetcore/internal/logging"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/ratelimit"
	"fleetcore/internal/store/memory"
)

type recordingPutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (r *recordingPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	r.inputs = append(r.inputs, in)
	r.bodies = append(r.bodies, string(b))
	return &s3.PutObjectOutput{}, r.err
}

func newIngestor(st *memory.Store, archiver Archiver) *Ingestor {
	log := logging.Discard()
	return NewIngestor(st, jobs.NewService(st, queue.Discard{}, 3, log), archiver, log)
}

func TestIngestParsedBody(t *testing.T) {
	st := memory.New()
	ing := newIngestor(st, nil)
	ctx := context.Background()

	ack, err := ing.Ingest(ctx, "telnyx", []byte(`{"data":{"event_type":"sim.status.updated"}}`), map[string]string{"content-type": "application/json"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !regexp.MustCompile(`^wh-[0-9a-f]{12}$`).MatchString(ack.PayloadID) {
		t.Fatalf("unexpected payload id %q", ack.PayloadID)
	}

	p, err := st.GetPayload(ctx, ack.PayloadID)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if p.Body == nil || p.RawBody != nil || p.Processed || p.Direction != models.DirectionInbound {
		t.Fatalf("unexpected payload: %+v", p)
	}

	job, err := st.GetJob(ctx, ack.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Type != models.JobWebhookTelnyx || job.Queue != models.QueueDefault || job.Payload["payload_id"] != ack.PayloadID {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestIngestUnparsableBodyKeptVerbatim(t *testing.T) {
	st := memory.New()
	ing := newIngestor(st, nil)
	raw := "status=active&iccid=8901"

	ack, err := ing.Ingest(context.Background(), "vola", []byte(raw), nil)
	if err != nil {
		t.Fatalf("parse failure must not fail ingestion: %v", err)
	}
	p, _ := st.GetPayload(context.Background(), ack.PayloadID)
	if p.Body != nil || p.RawBody == nil || *p.RawBody != raw {
		t.Fatalf("expected raw body retained, got %+v", p)
	}
}

func TestIngestKeepsLargeIntegersExact(t *testing.T) {
	st := memory.New()
	ack, err := newIngestor(st, nil).Ingest(context.Background(), "telnyx", []byte(`{"device_id":9007199254740993,"usage":{"bytes":1.5}}`), nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	p, _ := st.GetPayload(context.Background(), ack.PayloadID)
	body, ok := p.Body.(map[string]any)
	if !ok {
		t.Fatalf("expected object body, got %T", p.Body)
	}
	if id, ok := body["device_id"].(json.Number); !ok || id.String() != "9007199254740993" {
		t.Fatalf("device_id = %#v", body["device_id"])
	}
	out, _ := json.Marshal(p.Body)
	if string(out) != `{"device_id":9007199254740993,"usage":{"bytes":1.5}}` {
		t.Fatalf("re-encoded body changed: %s", out)
	}
}

func TestIngestTrailingDataKeptVerbatim(t *testing.T) {
	st := memory.New()
	raw := `{"event":"usage"} garbage`
	ack, err := newIngestor(st, nil).Ingest(context.Background(), "tmobile", []byte(raw), nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	p, _ := st.GetPayload(context.Background(), ack.PayloadID)
	if p.Body != nil || p.RawBody == nil || *p.RawBody != raw {
		t.Fatalf("expected raw body retained, got %+v", p)
	}
}

type fixedLimiter struct {
	allowed bool
	err     error
}

func (l fixedLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: l.allowed}, l.err
}

type recordingPusher struct {
	pushed  []string
	delayed map[string]time.Duration
}

func (p *recordingPusher) Push(_ context.Context, jobID, _ string) queue.Result {
	p.pushed = append(p.pushed, jobID)
	return queue.Result{Delivered: true}
}

func (p *recordingPusher) PushAfter(_ context.Context, jobID, _ string, delay time.Duration) queue.Result {
	if p.delayed == nil {
		p.delayed = map[string]time.Duration{}
	}
	p.delayed[jobID] = delay
	return queue.Result{Delivered: true}
}

func TestIngestOverRateDefersProcessing(t *testing.T) {
	st := memory.New()
	log := logging.Discard()
	pusher := &recordingPusher{}
	ing := NewIngestor(st, jobs.NewService(st, pusher, 3, log), nil, log).WithLimiter(fixedLimiter{allowed: false}, 30*time.Second)
	ctx := context.Background()

	ack, err := ing.Ingest(ctx, "vola", []byte(`{"event":"usage"}`), nil)
	if err != nil {
		t.Fatalf("over-rate request must still be accepted: %v", err)
	}
	if !ack.Deferred || ack.JobID == "" {
		t.Fatalf("expected deferred ack, got %+v", ack)
	}
	if _, err := st.GetPayload(ctx, ack.PayloadID); err != nil {
		t.Fatalf("payload not persisted: %v", err)
	}
	job, _ := st.GetJob(ctx, ack.JobID)
	if job.Status != models.StatusQueued || !job.NextRunAt.After(job.CreatedAt) {
		t.Fatalf("expected queued job held back, got %+v", job)
	}
	if pusher.delayed[ack.JobID] != 30*time.Second || len(pusher.pushed) != 0 {
		t.Fatalf("expected delayed push, got pushed=%v delayed=%v", pusher.pushed, pusher.delayed)
	}
}

func TestIngestLimiterErrorDoesNotDefer(t *testing.T) {
	st := memory.New()
	log := logging.Discard()
	pusher := &recordingPusher{}
	ing := NewIngestor(st, jobs.NewService(st, pusher, 3, log), nil, log).WithLimiter(fixedLimiter{err: errors.New("redis down")}, 30*time.Second)

	ack, err := ing.Ingest(context.Background(), "vola", []byte(`{}`), nil)
	if err != nil || ack.Deferred {
		t.Fatalf("expected immediate processing, got %+v %v", ack, err)
	}
	if len(pusher.pushed) != 1 || len(pusher.delayed) != 0 {
		t.Fatalf("expected plain push, got pushed=%v delayed=%v", pusher.pushed, pusher.delayed)
	}
}

func TestIngestUnknownSource(t *testing.T) {
	st := memory.New()
	_, err := newIngestor(st, nil).Ingest(context.Background(), "verizon", []byte(`{}`), nil)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if jobsList, _ := st.ListJobs(context.Background(), models.JobFilter{}); len(jobsList) != 0 {
		t.Fatalf("no job should be created")
	}
}

func TestIngestArchivesRawBodyBestEffort(t *testing.T) {
	st := memory.New()
	putter := &recordingPutter{}
	ing := newIngestor(st, NewS3Archiver(putter, "raw-webhooks"))
	ing.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

	ack, err := ing.Ingest(context.Background(), "tmobile", []byte(`{"event":"usage"}`), map[string]string{"content-type": "application/json"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("expected one archive put, got %d", len(putter.inputs))
	}
	in := putter.inputs[0]
	if aws.ToString(in.Bucket) != "raw-webhooks" || aws.ToString(in.Key) != "webhooks/tmobile/2026/05/04/"+ack.PayloadID {
		t.Fatalf("unexpected object %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if putter.bodies[0] != `{"event":"usage"}` || aws.ToString(in.ContentType) != "application/json" {
		t.Fatalf("unexpected archived object: %q %s", putter.bodies[0], aws.ToString(in.ContentType))
	}

	putter.err = errors.New("access denied")
	if _, err := ing.Ingest(context.Background(), "tmobile", []byte(`{}`), nil); err != nil {
		t.Fatalf("archive failure must not fail ingestion: %v", err)
	}
}

func TestHandlerMarksProcessed(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	ack, err := newIngestor(st, nil).Ingest(ctx, "telnyx", []byte(`{"data":{"event_type":"sim.activated"}}`), nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, _ := st.GetJob(ctx, ack.JobID)

	handlers := map[models.JobType]jobs.Handler{}
	NewHandler(st, logging.Discard()).Register(handlers)
	h := handlers[models.JobWebhookTelnyx]
	if h == nil || handlers[models.JobWebhookVola] == nil || handlers[models.JobWebhookTmobile] == nil {
		t.Fatalf("missing webhook handlers: %v", handlers)
	}

	for i := 0; i < 2; i++ {
		out, err := h.Execute(ctx, job)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if out["event_type"] != "sim.activated" || out["processed"] != true {
			t.Fatalf("unexpected result: %v", out)
		}
	}
	p, _ := st.GetPayload(ctx, ack.PayloadID)
	if !p.Processed {
		t.Fatalf("payload not marked processed")
	}
}

func TestHandlerMissingPayloadIsPermanent(t *testing.T) {
	h := NewHandler(memory.New(), logging.Discard())
	_, err := h.process(context.Background(), models.Job{ID: "j", Payload: map[string]any{"payload_id": "wh-000000000000"}})
	if !jobs.IsPermanent(err) || !apperr.IsNotFound(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
	_, err = h.process(context.Background(), models.Job{ID: "j", Payload: map[string]any{}})
	if !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestEventType(t *testing.T) {
	cases := map[string]any{
		"sim.activated": map[string]any{"data": map[string]any{"event_type": "sim.activated"}},
		"usage":         map[string]any{"event": "usage"},
		"port.done":     map[string]any{"type": "port.done"},
		"":              []any{"not", "an", "object"},
	}
	for want, body := range cases {
		if got := EventType(body); got != want {
			t.Fatalf("EventType(%v) = %q, want %q", body, got, want)
		}
	}
	if EventType(nil) != "" {
		t.Fatalf("nil body should have no event type")
	}
}

func TestSourcesMatchJobTypes(t *testing.T) {
	for _, s := range Sources() {
		jt, ok := JobTypeFor(s)
		if !ok || !strings.HasPrefix(string(jt), "webhook.") || strings.TrimPrefix(string(jt), "webhook.") != s {
			t.Fatalf("source %s maps to %q", s, jt)
		}
	}
}
