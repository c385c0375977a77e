package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetcore/internal/models"
)

func TestThrottledCarrierPassesThroughWithinBurst(t *testing.T) {
	inner := &countingCarrier{}
	c := NewThrottledCarrier(inner, 1, 2)
	sim := models.Sim{ID: 1, Carrier: "telnyx"}

	ctx := context.Background()
	if err := c.Activate(ctx, sim); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := c.Suspend(ctx, sim); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if inner.count("activate") != 1 || inner.count("suspend") != 1 {
		t.Fatalf("calls not forwarded")
	}
}

func TestThrottledCarrierWaitRespectsContext(t *testing.T) {
	inner := &countingCarrier{}
	c := NewThrottledCarrier(inner, 0.001, 1)
	sim := models.Sim{ID: 1, Carrier: "vola"}

	if err := c.Resume(context.Background(), sim); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Resume(ctx, sim); err == nil {
		t.Fatalf("expected throttled call to give up with the context")
	}
	if inner.count("resume") != 1 {
		t.Fatalf("throttled call reached the carrier")
	}

	// Buckets are per carrier.
	if err := c.Resume(context.Background(), models.Sim{ID: 2, Carrier: "tmobile"}); err != nil {
		t.Fatalf("other carrier: %v", err)
	}
}

func TestThrottledCarrierDisabled(t *testing.T) {
	inner := &countingCarrier{fail: errors.New("provider down")}
	c := NewThrottledCarrier(inner, 0, 0)
	for i := 0; i < 5; i++ {
		if _, err := c.Usage(context.Background(), models.Sim{Carrier: "telnyx"}); err == nil {
			t.Fatalf("expected provider error to pass through")
		}
	}
	if inner.count("usage") != 5 {
		t.Fatalf("usage calls = %d, want 5", inner.count("usage"))
	}
}
