package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
)

func TestSuspiciousSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	registry := ratelimit.NewRegistry(store, nil, time.Minute)

	registry.RecordViolation(ctx, "10.0.0.1", "pk_live_test", "rate_limited:min")
	registry.RecordViolation(ctx, "10.0.0.2", "pk_live_test", "rate_limited:min")

	job := &SuspiciousSweepJob{Registry: registry}
	if err := job.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// live records survive the sweep
	if ips, _ := registry.List(ctx); len(ips) != 2 {
		t.Fatalf("swept live records: %v", ips)
	}

	// expired records drop out of the index
	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	if err := job.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if ips, _ := registry.List(ctx); len(ips) != 0 {
		t.Errorf("stale index entries remain: %v", ips)
	}
}
