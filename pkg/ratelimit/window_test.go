package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
)

func TestWindowLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	limiter := &WindowLimiter{
		Store:   kv.NewMemoryStore(),
		Scope:   ScopeIP,
		Windows: []Window{MinuteWindow(3)},
	}

	ctx := context.Background()
	tnow := time.Unix(1_700_000_000, 0)

	for i := range 3 {
		decision := limiter.Check(ctx, "10.1.2.3", tnow)
		if !decision.Allowed {
			t.Fatalf("request %v rejected before the limit", i)
		}
	}

	decision := limiter.Check(ctx, "10.1.2.3", tnow)
	if decision.Allowed {
		t.Error("request allowed past the limit")
	}
	if decision.Window != "min" {
		t.Errorf("unexpected rejecting window %q", decision.Window)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > time.Minute {
		t.Errorf("unexpected retry after %v", decision.RetryAfter)
	}
}

func TestWindowLimiterRejectionDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	limiter := &WindowLimiter{
		Store:   kv.NewMemoryStore(),
		Scope:   ScopeIP,
		Windows: []Window{MinuteWindow(2), HourWindow(100)},
	}

	ctx := context.Background()
	tnow := time.Unix(1_700_000_000, 0)

	limiter.Check(ctx, "10.1.2.3", tnow)
	limiter.Check(ctx, "10.1.2.3", tnow)

	for range 5 {
		if decision := limiter.Check(ctx, "10.1.2.3", tnow); decision.Allowed {
			t.Fatal("request allowed past the limit")
		}
	}

	// next minute window opens fresh only if rejections were not counted
	var hourCount int64
	hourWindow := HourWindow(100)
	key := counterKey(ScopeIP, "10.1.2.3", "hour", hourWindow.id(tnow))
	if err := limiter.Store.GetJSON(ctx, key, &hourCount); err != nil {
		t.Fatalf("failed to read hour counter: %v", err)
	}
	if hourCount != 2 {
		t.Errorf("hour counter %v, rejected requests consumed quota", hourCount)
	}
}

func TestWindowLimiterWindowsAreClockAligned(t *testing.T) {
	t.Parallel()

	limiter := &WindowLimiter{
		Store:   kv.NewMemoryStore(),
		Scope:   ScopeKey,
		Windows: []Window{MinuteWindow(1)},
	}

	ctx := context.Background()
	// one second before the minute boundary
	tnow := time.Unix(1_700_000_039, 0).Truncate(time.Minute).Add(59 * time.Second)

	if decision := limiter.Check(ctx, "pk_test", tnow); !decision.Allowed {
		t.Fatal("first request rejected")
	}

	if decision := limiter.Check(ctx, "pk_test", tnow); decision.Allowed {
		t.Fatal("second request in the same window allowed")
	} else if decision.RetryAfter != time.Second {
		t.Errorf("retry after %v, expected the window boundary", decision.RetryAfter)
	}

	if decision := limiter.Check(ctx, "pk_test", tnow.Add(time.Second)); !decision.Allowed {
		t.Error("request rejected after the window turned over")
	}
}

func TestWindowLimiterRetryAfterUsesEarliestExhaustedReset(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	limiter := &WindowLimiter{
		Store:   store,
		Scope:   ScopeIP,
		Windows: []Window{HourWindow(3), MinuteWindow(5)},
	}

	ctx := context.Background()
	// 800 seconds into the hour, 20 seconds into the minute
	tnow := time.Unix(1_700_000_000, 0)

	// both windows exhausted with different counts: the hour rejects
	// first, but the minute boundary is the earliest reset
	hour, minute := HourWindow(3), MinuteWindow(5)
	if err := store.SetJSON(ctx, counterKey(ScopeIP, "10.1.2.3", hour.Name, hour.id(tnow)), int64(3), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.SetJSON(ctx, counterKey(ScopeIP, "10.1.2.3", minute.Name, minute.id(tnow)), int64(5), time.Minute); err != nil {
		t.Fatal(err)
	}

	decision := limiter.Check(ctx, "10.1.2.3", tnow)
	if decision.Allowed {
		t.Fatal("request allowed past the limit")
	}
	if decision.Window != "hour" || decision.Limit != 3 {
		t.Errorf("rejecting window %q limit %v", decision.Window, decision.Limit)
	}
	if decision.RetryAfter != 40*time.Second {
		t.Errorf("retry after %v, expected the minute boundary", decision.RetryAfter)
	}
}

func TestWindowLimiterIsolatesPrincipals(t *testing.T) {
	t.Parallel()

	limiter := &WindowLimiter{
		Store:   kv.NewMemoryStore(),
		Scope:   ScopeIP,
		Windows: []Window{MinuteWindow(1)},
	}

	ctx := context.Background()
	tnow := time.Unix(1_700_000_000, 0)

	limiter.Check(ctx, "10.1.2.3", tnow)
	if decision := limiter.Check(ctx, "10.1.2.4", tnow); !decision.Allowed {
		t.Error("unrelated principal rejected")
	}
}

func TestWindowLimiterNotifiesViolations(t *testing.T) {
	t.Parallel()

	var gotPrincipal, gotWindow string
	limiter := &WindowLimiter{
		Store:   kv.NewMemoryStore(),
		Scope:   ScopeIP,
		Windows: []Window{MinuteWindow(1)},
		OnViolation: func(ctx context.Context, principal, window string) {
			gotPrincipal, gotWindow = principal, window
		},
	}

	ctx := context.Background()
	tnow := time.Unix(1_700_000_000, 0)

	limiter.Check(ctx, "10.1.2.3", tnow)
	limiter.Check(ctx, "10.1.2.3", tnow)

	if gotPrincipal != "10.1.2.3" || gotWindow != "min" {
		t.Errorf("violation reported as (%q, %q)", gotPrincipal, gotWindow)
	}
}

func TestDefaultIPBudgets(t *testing.T) {
	t.Parallel()

	// the documented fallback budgets when configuration is silent
	documented := map[string]int64{"min": 30, "hour": 500, "day": 2000}
	windows := []Window{
		MinuteWindow(DefaultIPPerMinute),
		HourWindow(DefaultIPPerHour),
		DayWindow(DefaultIPPerDay),
	}

	for _, w := range windows {
		if w.Limit != documented[w.Name] {
			t.Errorf("window %q limit %v, documented default %v", w.Name, w.Limit, documented[w.Name])
		}
	}
}

type failingStore struct {
	kv.Store
}

func (s *failingStore) GetJSON(ctx context.Context, key string, dest any) error {
	return context.DeadlineExceeded
}

func TestWindowLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	limiter := &WindowLimiter{
		Store:    &failingStore{Store: kv.NewMemoryStore()},
		Scope:    ScopeIP,
		Windows:  []Window{MinuteWindow(1)},
		FailOpen: true,
	}

	decision := limiter.Check(context.Background(), "10.1.2.3", time.Now())
	if !decision.Allowed {
		t.Error("limiter did not fail open on store error")
	}
	if !decision.FailedOpen {
		t.Error("fail-open decision not flagged")
	}

	limiter.FailOpen = false
	if decision := limiter.Check(context.Background(), "10.1.2.3", time.Now()); decision.Allowed {
		t.Error("fail-closed limiter allowed on store error")
	}
}
