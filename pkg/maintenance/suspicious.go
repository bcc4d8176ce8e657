package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
)

// SuspiciousSweepJob drops index entries whose live KV record has
// expired. The relational archive keeps the history; only the hot set
// needs pruning.
type SuspiciousSweepJob struct {
	Registry *ratelimit.Registry
}

var _ common.PeriodicJob = (*SuspiciousSweepJob)(nil)

func (j *SuspiciousSweepJob) Name() string {
	return "suspicious_sweep_job"
}

func (j *SuspiciousSweepJob) Interval() time.Duration {
	return 1 * time.Hour
}

func (j *SuspiciousSweepJob) Jitter() time.Duration {
	return 5 * time.Minute
}

func (j *SuspiciousSweepJob) Timeout() time.Duration {
	return 5 * time.Minute
}

func (j *SuspiciousSweepJob) RunOnce(ctx context.Context) error {
	ips, err := j.Registry.List(ctx)
	if err != nil {
		return err
	}

	swept := 0
	for _, ip := range ips {
		if _, err := j.Registry.Get(ctx, ip); err == kv.ErrNotFound {
			if ferr := j.Registry.Forget(ctx, ip); ferr != nil {
				slog.WarnContext(ctx, "Failed to forget suspicious IP", "ip", ip, common.ErrAttr(ferr))
				continue
			}
			swept++
		} else if err != nil {
			return err
		}
	}

	slog.DebugContext(ctx, "Swept suspicious IP index", "total", len(ips), "swept", swept)

	return nil
}
