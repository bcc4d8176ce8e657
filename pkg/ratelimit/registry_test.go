package ratelimit

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
)

type archiveRecorder struct {
	records []*SuspiciousRecord
}

func (a *archiveRecorder) UpsertSuspiciousIP(ctx context.Context, rec *SuspiciousRecord) error {
	a.records = append(a.records, rec)
	return nil
}

func TestRegistryAccumulatesViolations(t *testing.T) {
	t.Parallel()

	archive := &archiveRecorder{}
	registry := NewRegistry(kv.NewMemoryStore(), archive, time.Hour)
	ctx := context.Background()

	registry.RecordViolation(ctx, "10.1.2.3", "pk_live_abc", "min")
	registry.RecordViolation(ctx, "10.1.2.3", "pk_live_abc", "hour")

	rec, err := registry.Get(ctx, "10.1.2.3")
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}

	if rec.ViolationCount != 2 {
		t.Errorf("violation count %v", rec.ViolationCount)
	}
	if len(rec.Violations) != 2 || rec.Violations[1].Reason != "hour" {
		t.Errorf("unexpected violation log %+v", rec.Violations)
	}
	if rec.APIKey != "pk_live_abc" {
		t.Errorf("api key %q not carried over", rec.APIKey)
	}
	if rec.FirstDetected.After(rec.LastViolation) {
		t.Error("first detection after last violation")
	}

	if len(archive.records) != 2 {
		t.Errorf("archived %v times instead of 2", len(archive.records))
	}

	ips, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if !slices.Contains(ips, "10.1.2.3") {
		t.Errorf("ip missing from index %v", ips)
	}
}

func TestRegistryCapsViolationLog(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(kv.NewMemoryStore(), nil, time.Hour)
	ctx := context.Background()

	for range maxViolationLog + 10 {
		registry.RecordViolation(ctx, "10.1.2.3", "", "min")
	}

	rec, err := registry.Get(ctx, "10.1.2.3")
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}

	if len(rec.Violations) != maxViolationLog {
		t.Errorf("violation log grew to %v", len(rec.Violations))
	}
	if rec.ViolationCount != int64(maxViolationLog+10) {
		t.Errorf("total count %v lost to the cap", rec.ViolationCount)
	}
}

func TestRegistryForget(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(kv.NewMemoryStore(), nil, time.Hour)
	ctx := context.Background()

	registry.RecordViolation(ctx, "10.1.2.3", "", "min")

	if err := registry.Forget(ctx, "10.1.2.3"); err != nil {
		t.Fatalf("failed to forget: %v", err)
	}

	if _, err := registry.Get(ctx, "10.1.2.3"); err != kv.ErrNotFound {
		t.Errorf("record survived forget: %v", err)
	}

	ips, _ := registry.List(ctx)
	if slices.Contains(ips, "10.1.2.3") {
		t.Error("ip still indexed after forget")
	}
}
