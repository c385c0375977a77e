package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleetcore/internal/config"
	"fleetcore/internal/jobs"
	"fleetcore/internal/logging"
	"fleetcore/internal/models"
	"fleetcore/internal/queue"
	"fleetcore/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		Queues:             []string{models.QueueProvisioning, models.QueueDefault, models.QueuePolling},
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: 10 * time.Millisecond,
		WorkerConcurrency:  2,
		ScheduledBatchSize: 10,
	}
}

func newQueue(t *testing.T, cfg config.Config) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return queue.NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.fail
}

func (r *recordingDispatcher) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestProcessOneDispatchesAndAcks(t *testing.T) {
	cfg := testConfig()
	q := newQueue(t, cfg)
	ctx := context.Background()
	d := &recordingDispatcher{}
	p := NewProcessor(cfg, q, d, logging.Discard())

	q.Push(ctx, "job-1", models.QueueDefault)
	worked, err := p.ProcessOne(ctx)
	if err != nil || !worked {
		t.Fatalf("expected work, got worked=%v err=%v", worked, err)
	}
	if got := d.seen(); len(got) != 1 || got[0] != "job-1" {
		t.Fatalf("unexpected dispatches: %v", got)
	}
	// Acked: nothing to reclaim even far in the future.
	if ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(ids) != 0 {
		t.Fatalf("delivery was not acked: %v", ids)
	}

	worked, err = p.ProcessOne(ctx)
	if err != nil || worked {
		t.Fatalf("expected idle, got worked=%v err=%v", worked, err)
	}
}

func TestDispatchErrorLeavesLeaseForRedelivery(t *testing.T) {
	cfg := testConfig()
	q := newQueue(t, cfg)
	ctx := context.Background()
	d := &recordingDispatcher{fail: errors.New("postgres unavailable")}
	p := NewProcessor(cfg, q, d, logging.Discard())

	q.Push(ctx, "job-2", models.QueueProvisioning)
	if _, err := p.ProcessOne(ctx); err == nil {
		t.Fatalf("expected dispatch error")
	}
	p.Tick(ctx, time.Now().Add(time.Minute))
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expired lease should be back in the ready list, depth=%d", depth)
	}
}

func TestTickPromotesScheduledRetries(t *testing.T) {
	cfg := testConfig()
	q := newQueue(t, cfg)
	ctx := context.Background()
	p := NewProcessor(cfg, q, &recordingDispatcher{}, logging.Discard())

	q.PushAfter(ctx, "job-3", models.QueuePolling, 10*time.Second)
	p.Tick(ctx, time.Now())
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("retry promoted too early")
	}
	p.Tick(ctx, time.Now().Add(11*time.Second))
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("retry not promoted, depth=%d", depth)
	}
}

func TestRunDrainsJobsEndToEnd(t *testing.T) {
	cfg := testConfig()
	q := newQueue(t, cfg)
	st := memory.New()
	log := logging.Discard()

	var mu sync.Mutex
	runs := 0
	handlers := map[models.JobType]jobs.Handler{}
	for _, jt := range models.JobTypes() {
		handlers[jt] = jobs.HandlerFunc(func(context.Context, models.Job) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			runs++
			return map[string]any{"ok": true}, nil
		})
	}
	reg, err := jobs.NewRegistry(handlers)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := jobs.NewService(st, q, 3, log)
	disp := jobs.NewDispatcher(st, reg, q, jobs.NewBackoff(config.Config{BackoffBase: time.Second, BackoffCap: time.Minute}), cfg.VisibilityTimeout, log)

	ctx, cancel := context.WithCancel(context.Background())
	var ids []string
	for i, jt := range []models.JobType{models.JobSimActivate, models.JobWebhookVola, models.JobSimPollUsage} {
		lane := []string{models.QueueProvisioning, models.QueueDefault, models.QueuePolling}[i]
		res, err := svc.Enqueue(ctx, jobs.EnqueueRequest{Type: jt, Queue: lane})
		if err != nil || !res.Delivery.Delivered {
			t.Fatalf("enqueue %s: %+v %v", jt, res.Delivery, err)
		}
		ids = append(ids, res.Job.ID)
	}

	done := make(chan error, 1)
	go func() { done <- NewProcessor(cfg, q, disp, log).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		completed := 0
		for _, id := range ids {
			if j, _ := st.GetJob(context.Background(), id); j.Status == models.StatusCompleted {
				completed++
			}
		}
		if completed == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d jobs completed", completed, len(ids))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != len(ids) {
		t.Fatalf("expected %d handler runs, got %d", len(ids), runs)
	}
}
