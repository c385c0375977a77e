package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleetcore/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		Queues:            []string{"provisioning", "default"},
		VisibilityTimeout: 30 * time.Second,
	}
	return NewRedisQueueWithClient(client, cfg), mr
}

func TestPushAndDequeueInLaneOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if res := q.Push(ctx, "job-default", "default"); !res.Delivered {
		t.Fatalf("push default: %v", res.Err)
	}
	if res := q.Push(ctx, "job-prov", "provisioning"); !res.Delivered {
		t.Fatalf("push provisioning: %v", res.Err)
	}

	d, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.JobID != "job-prov" || d.Queue != "provisioning" {
		t.Fatalf("expected provisioning lane first, got %+v", d)
	}
	d2, err := q.DequeueWithLease(ctx)
	if err != nil || d2.JobID != "job-default" {
		t.Fatalf("expected default job second, got %+v err=%v", d2, err)
	}
	empty, err := q.DequeueWithLease(ctx)
	if err != nil || empty.JobID != "" {
		t.Fatalf("expected idle queue, got %+v err=%v", empty, err)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	n, _ := q.client.ZCard(ctx, q.inflightKey).Result()
	if n != 1 {
		t.Fatalf("expected one lease left in flight, got %d", n)
	}
}

func TestPushUnknownQueueIsUndelivered(t *testing.T) {
	q, _ := newTestQueue(t)
	res := q.Push(context.Background(), "job-1", "polling")
	if res.Delivered || res.Err == nil {
		t.Fatalf("expected undelivered result for unserved lane")
	}
}

func TestPushAfterPromotesWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if res := q.PushAfter(ctx, "job-retry", "provisioning", 20*time.Second); !res.Delivered {
		t.Fatalf("schedule: %v", res.Err)
	}
	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing should be due yet, promoted=%d err=%v", n, err)
	}
	n, err = q.PromoteScheduled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one promotion, got %d err=%v", n, err)
	}
	d, err := q.DequeueWithLease(ctx)
	if err != nil || d.JobID != "job-retry" || d.Queue != "provisioning" {
		t.Fatalf("expected promoted job on its lane, got %+v err=%v", d, err)
	}
	if depth, _ := q.ScheduledDepth(ctx); depth != 0 {
		t.Fatalf("scheduled set should be empty, got %d", depth)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	q.Push(ctx, "job-slow", "default")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-slow" {
		t.Fatalf("expected job-slow reclaimed, got %v", ids)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected reclaimed job back in ready list, depth=%d", depth)
	}
}

type failingPusher struct{ calls int }

func (f *failingPusher) Push(context.Context, string, string) Result {
	f.calls++
	return Undelivered(errors.New("connection refused"))
}

func (f *failingPusher) PushAfter(context.Context, string, string, time.Duration) Result {
	f.calls++
	return Undelivered(errors.New("connection refused"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &failingPusher{}
	b := NewBreaker(next, config.Config{BreakerFailures: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if res := b.Push(context.Background(), "j", "default"); res.Delivered {
			t.Fatalf("expected failure")
		}
	}
	res := b.Push(context.Background(), "j", "default")
	if res.Delivered || res.Err == nil {
		t.Fatalf("expected open breaker to reject")
	}
	if next.calls != 2 {
		t.Fatalf("open breaker should not call through, calls=%d", next.calls)
	}
	if b.State() != "open" {
		t.Fatalf("expected open state, got %s", b.State())
	}
}

func TestDiscardNeverDelivers(t *testing.T) {
	res := Discard{}.Push(context.Background(), "j", "default")
	if res.Delivered || !errors.Is(res.Err, ErrNoTransport) {
		t.Fatalf("unexpected result %+v", res)
	}
}
