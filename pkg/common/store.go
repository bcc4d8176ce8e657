package common

import (
	"context"
	"net/http"
	"time"
)

type Cache[TKey comparable, TValue any] interface {
	Get(ctx context.Context, key TKey) (TValue, error)
	GetEx(ctx context.Context, key TKey, loader func(context.Context, TKey) (TValue, error)) (TValue, error)
	SetMissing(ctx context.Context, key TKey) error
	Set(ctx context.Context, key TKey, t TValue) error
	SetWithTTL(ctx context.Context, key TKey, t TValue, ttl time.Duration) error
	Delete(ctx context.Context, key TKey) error
	HitRatio() float64
}

type ConfigItem interface {
	Key() ConfigKey
	Value() string
}

type ConfigStore interface {
	Get(key ConfigKey) ConfigItem
	Update(ctx context.Context)
}

type TimeSeriesStore interface {
	Ping(ctx context.Context) error
	WriteRequestLogBatch(ctx context.Context, records []*RequestRecord) error
	WriteVerifyLogBatch(ctx context.Context, records []*VerifyRecord) error
	WriteBehaviorBatch(ctx context.Context, records []*BehaviorRecord) error
}

type PlatformMetrics interface {
	ObserveHealth(postgres, clickhouse, kv bool)
	ObserveCacheHitRatio(ratio float64)
}

type APIMetrics interface {
	Handler(h http.Handler) http.Handler
	ObserveTierDecision(tier string)
	ObserveChallengeCreated(kind string)
	ObserveChallengeVerified(kind string, success bool)
}
