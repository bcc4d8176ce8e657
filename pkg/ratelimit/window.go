package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
)

const (
	ScopeIP  = "ip"
	ScopeKey = "key"
)

// Window is one clock-aligned counting window: the window id is
// floor(now/Length), not a sliding interval.
type Window struct {
	Name   string
	Length time.Duration
	Limit  int64
}

// default per-IP budgets, overridable through configuration
const (
	DefaultIPPerMinute = 30
	DefaultIPPerHour   = 500
	DefaultIPPerDay    = 2000
)

func MinuteWindow(limit int64) Window { return Window{Name: "min", Length: time.Minute, Limit: limit} }
func HourWindow(limit int64) Window   { return Window{Name: "hour", Length: time.Hour, Limit: limit} }
func DayWindow(limit int64) Window    { return Window{Name: "day", Length: 24 * time.Hour, Limit: limit} }

type Decision struct {
	Allowed    bool
	FailedOpen bool
	// which window rejected the request, empty when allowed
	Window     string
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// ViolationFunc is notified when a principal exhausts a window.
type ViolationFunc func(ctx context.Context, principal, window string)

// WindowLimiter maintains per-principal counters in the KV store. Any KV
// error yields an allow: availability over strictness, the tradeoff is
// deliberate and configurable.
type WindowLimiter struct {
	Store       kv.Store
	Scope       string
	Windows     []Window
	FailOpen    bool
	OnViolation ViolationFunc
}

func counterKey(scope, principal, window string, id int64) string {
	return fmt.Sprintf("rate:%s:%s:%s:%d", scope, principal, window, id)
}

func (w *Window) id(tnow time.Time) int64 {
	return tnow.Unix() / int64(w.Length/time.Second)
}

func (w *Window) reset(tnow time.Time) time.Duration {
	length := int64(w.Length / time.Second)
	elapsed := tnow.Unix() % length
	return time.Duration(length-elapsed) * time.Second
}

func (l *WindowLimiter) failedOpen(ctx context.Context, err error) *Decision {
	slog.WarnContext(ctx, "Rate limiter failing open", "scope", l.Scope, common.ErrAttr(err))
	return &Decision{Allowed: true, FailedOpen: true}
}

// Check reads every configured window first and only increments the
// counters when all of them still have budget, so a rejected request does
// not consume quota.
func (l *WindowLimiter) Check(ctx context.Context, principal string, tnow time.Time) *Decision {
	if len(principal) == 0 {
		principal = "unknown"
	}

	// read phase
	counts := make([]int64, len(l.Windows))
	for i, w := range l.Windows {
		key := counterKey(l.Scope, principal, w.Name, w.id(tnow))

		var count int64
		err := l.Store.GetJSON(ctx, key, &count)
		if err != nil && err != kv.ErrNotFound {
			if l.FailOpen {
				return l.failedOpen(ctx, err)
			}
			return &Decision{Allowed: false, Window: w.Name, RetryAfter: w.reset(tnow)}
		}

		counts[i] = count
	}

	for i, w := range l.Windows {
		if counts[i] >= w.Limit {
			retryAfter := w.reset(tnow)
			// the earliest reset of any exhausted window
			for j, other := range l.Windows {
				if j != i && counts[j] >= other.Limit && other.reset(tnow) < retryAfter {
					retryAfter = other.reset(tnow)
				}
			}

			if l.OnViolation != nil {
				l.OnViolation(ctx, principal, w.Name)
			}

			slog.Log(ctx, common.LevelTrace, "Rate limit exhausted", "scope", l.Scope,
				"principal", principal, "window", w.Name, "limit", w.Limit)

			return &Decision{
				Allowed:    false,
				Window:     w.Name,
				Limit:      w.Limit,
				RetryAfter: retryAfter,
			}
		}
	}

	// write phase
	decision := &Decision{Allowed: true}
	for i, w := range l.Windows {
		key := counterKey(l.Scope, principal, w.Name, w.id(tnow))
		count, err := l.Store.IncrWindow(ctx, key, w.Length)
		if err != nil {
			if l.FailOpen {
				return l.failedOpen(ctx, err)
			}
			return &Decision{Allowed: false, Window: w.Name, RetryAfter: w.reset(tnow)}
		}

		if remaining := w.Limit - count; i == 0 || remaining < decision.Remaining {
			decision.Limit = w.Limit
			decision.Remaining = max(0, remaining)
		}
	}

	return decision
}
