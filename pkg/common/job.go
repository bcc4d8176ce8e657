package common

import (
	"context"
	"log/slog"
	randv2 "math/rand/v2"
	"runtime/debug"
	"time"
)

type OneOffJob interface {
	Name() string
	InitialPause() time.Duration
	RunOnce(ctx context.Context) error
}

type PeriodicJob interface {
	RunOnce(ctx context.Context) error
	Interval() time.Duration
	// soft non-enforced timeout for context
	Timeout() time.Duration
	// NOTE: if no jitter is needed, return 1, not 0
	Jitter() time.Duration
	Name() string
}

func RunOneOffJob(ctx context.Context, j OneOffJob) {
	ctx = context.WithValue(ctx, TraceIDContextKey, j.Name())

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "One-off job crashed", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	time.Sleep(j.InitialPause())

	slog.DebugContext(ctx, "Running one-off job")

	if err := j.RunOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "One-off job failed", ErrAttr(err))
	}

	slog.DebugContext(ctx, "One-off job finished")
}

func RunPeriodicJobOnce(ctx context.Context, j PeriodicJob) error {
	ctx = context.WithValue(ctx, TraceIDContextKey, j.Name())

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "Periodic job crashed", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	var cancel context.CancelFunc
	if timeout := j.Timeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return j.RunOnce(ctx)
}

func RunPeriodicJob(ctx context.Context, j PeriodicJob) {
	ctx = context.WithValue(ctx, TraceIDContextKey, j.Name())

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "Periodic job crashed", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	slog.DebugContext(ctx, "Starting periodic job")

	for {
		interval := j.Interval()
		jitter := j.Jitter()

		delay := interval + time.Duration(randv2.Int64N(int64(jitter)))
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			_ = timer.Stop()
			slog.DebugContext(ctx, "Periodic job finished")
			return

		case <-timer.C:
			slog.DebugContext(ctx, "Running periodic job once", "interval", interval.String(), "jitter", jitter.String())
		}

		func() {
			runCtx := ctx
			var cancel context.CancelFunc

			if timeout := j.Timeout(); timeout > 0 {
				runCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if err := j.RunOnce(runCtx); err != nil {
				slog.ErrorContext(runCtx, "Periodic job failed", ErrAttr(err))
			}
		}()
	}
}
