package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"fleetcore/internal/models"
)

func noop(context.Context, models.Job) (map[string]any, error) { return nil, nil }

func TestRegistryRequiresEveryJobType(t *testing.T) {
	handlers := map[models.JobType]Handler{models.JobSimActivate: HandlerFunc(noop)}
	_, err := NewRegistry(handlers)
	if err == nil {
		t.Fatalf("expected error for incomplete registry")
	}
	if !strings.Contains(err.Error(), string(models.JobWebhookVola)) {
		t.Fatalf("error should name missing types: %v", err)
	}
}

func TestRegistryRejectsUnknownAndNil(t *testing.T) {
	handlers := handlersWith(models.JobSimActivate, HandlerFunc(noop))
	handlers["sim.teleport"] = HandlerFunc(noop)
	if _, err := NewRegistry(handlers); err == nil || !strings.Contains(err.Error(), "sim.teleport") {
		t.Fatalf("expected unknown type error, got %v", err)
	}

	handlers = handlersWith(models.JobSimActivate, nil)
	if _, err := NewRegistry(handlers); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func TestRegistryComplete(t *testing.T) {
	reg, err := NewRegistry(handlersWith(models.JobSimActivate, HandlerFunc(noop)))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := len(reg.Types()); got != len(models.JobTypes()) {
		t.Fatalf("expected %d types, got %d", len(models.JobTypes()), got)
	}
	if _, ok := reg.Lookup(models.JobWebhookTelnyx); !ok {
		t.Fatalf("lookup failed")
	}
}

func TestBackoffBounds(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, Jitter: 5 * time.Second, Cap: 300 * time.Second}
	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			floor := 10 * time.Second << attempt
			if floor > 300*time.Second {
				floor = 300 * time.Second
			}
			if d < floor || d > 300*time.Second {
				t.Fatalf("attempt %d: delay %v outside [%v, 300s]", attempt, d, floor)
			}
		}
	}
}

func TestBackoffJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Jitter: 4 * time.Second, Cap: time.Hour, rand: func() float64 { return 0.5 }}
	if got := b.Delay(1); got != 4*time.Second {
		t.Fatalf("expected 2s + 2s jitter, got %v", got)
	}
	if got := b.Delay(-3); got != 3*time.Second {
		t.Fatalf("negative attempt should clamp to 0, got %v", got)
	}
}
