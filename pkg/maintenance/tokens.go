package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

// ExpiredTokensJob continuously trims used and expired captcha tokens.
// Chunk size adapts to the delete rate so bursts do not grow the table.
type ExpiredTokensJob struct {
	BusinessDB *db.BusinessStore
	Retention  time.Duration
	Pause      time.Duration
}

const (
	tokenCleanupMinInterval = 30 * time.Second
	tokenCleanupMaxInterval = 10 * time.Minute
	tokenCleanupChunkSize   = 500
)

var _ common.OneOffJob = (*ExpiredTokensJob)(nil)

func (j *ExpiredTokensJob) Name() string {
	return "expired_tokens_job"
}

func (j *ExpiredTokensJob) InitialPause() time.Duration {
	return j.Pause
}

func (j *ExpiredTokensJob) RunOnce(ctx context.Context) error {
	retention := j.Retention
	if retention <= 0 {
		retention = time.Hour
	}

	common.ChunkedCleanup(ctx, tokenCleanupMinInterval, tokenCleanupMaxInterval, tokenCleanupChunkSize,
		func(ctx context.Context, tnow time.Time, limit int) int {
			deleted, err := j.BusinessDB.DeleteExpiredTokens(ctx, tnow.UTC().Add(-retention), limit)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to delete expired tokens", common.ErrAttr(err))
				return 0
			}
			return deleted
		})

	return nil
}
