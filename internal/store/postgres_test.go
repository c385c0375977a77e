package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
)

// openTestStore connects to POSTGRES_DSN and applies migrations. Tests use
// random ids and keys so they can share a database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func newKeyedJob(key string) models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.Job{
		ID:             uuid.NewString(),
		Type:           models.JobSimActivate,
		Queue:          models.QueueProvisioning,
		Status:         models.StatusQueued,
		Payload:        map[string]any{"sim_id": 1},
		MaxAttempts:    3,
		IdempotencyKey: &key,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresActiveKeyGuard(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := "sim.activate." + uuid.NewString()

	first, err := st.InsertJob(ctx, newKeyedJob(key))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.InsertJob(ctx, newKeyedJob(key)); !apperr.IsConflict(err, apperr.ReasonDuplicateIntent) {
		t.Fatalf("expected duplicate intent while queued, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	running, claimed, err := st.MarkRunning(ctx, first.ID, now, now.Add(-time.Hour))
	if err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if _, err := st.InsertJob(ctx, newKeyedJob(key)); !apperr.IsConflict(err, apperr.ReasonDuplicateIntent) {
		t.Fatalf("expected duplicate intent while running, got %v", err)
	}
	if err := st.MarkFailed(ctx, first.ID, *running.StartedAt, "boom", now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := st.InsertJob(ctx, newKeyedJob(key)); err != nil {
		t.Fatalf("key should be free after a terminal status: %v", err)
	}
}

func TestPostgresTransitionsFencedByStartedAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, newKeyedJob("sim.activate."+uuid.NewString()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	first, claimed, err := st.MarkRunning(ctx, job.ID, t0, t0.Add(-time.Minute))
	if err != nil || !claimed || first.Attempt != 1 {
		t.Fatalf("first claim: %+v %v %v", first, claimed, err)
	}
	if _, claimed, err := st.MarkRunning(ctx, job.ID, t0.Add(time.Second), t0.Add(-time.Minute)); err != nil || claimed {
		t.Fatalf("fresh running job must not be reclaimed: %v %v", claimed, err)
	}

	t1 := t0.Add(10 * time.Minute)
	second, claimed, err := st.MarkRunning(ctx, job.ID, t1, t0.Add(time.Second))
	if err != nil || !claimed || second.Attempt != 2 {
		t.Fatalf("stale reclaim: %+v %v %v", second, claimed, err)
	}

	err = st.MarkCompleted(ctx, job.ID, *first.StartedAt, map[string]any{"ok": true}, t1)
	if !apperr.IsConflict(err, apperr.ReasonStaleDelivery) {
		t.Fatalf("old delivery must lose the fence, got %v", err)
	}
	if err := st.MarkCompleted(ctx, job.ID, *second.StartedAt, map[string]any{"ok": true}, t1); err != nil {
		t.Fatalf("current delivery should complete: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusCompleted || got.Result["ok"] != true {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestPostgresListStaleRunning(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, err := st.InsertJob(ctx, newKeyedJob("sim.activate."+uuid.NewString()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	started := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	if _, claimed, err := st.MarkRunning(ctx, job.ID, started, started.Add(-time.Minute)); err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	stale, err := st.ListStaleRunning(ctx, started.Add(time.Second), 1000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, j := range stale {
		found = found || j.ID == job.ID
	}
	if !found {
		t.Fatalf("stale job %s not listed", job.ID)
	}
	stale, _ = st.ListStaleRunning(ctx, started, 1000)
	for _, j := range stale {
		if j.ID == job.ID {
			t.Fatalf("job started at the cutoff must not be listed")
		}
	}
}

func TestPostgresPayloadKeepsLargeIntegers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := models.IntegrationPayload{
		PayloadID: "wh-" + uuid.NewString()[:12],
		Source:    "telnyx",
		Direction: models.DirectionInbound,
		Body:      map[string]any{"device_id": json.Number("9007199254740993")},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertPayload(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := st.GetPayload(ctx, p.PayloadID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := got.Body.(map[string]any)
	if n, ok := body["device_id"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Fatalf("device_id = %#v", body["device_id"])
	}
}
