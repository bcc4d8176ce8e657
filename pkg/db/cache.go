package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

var (
	ErrNegativeCacheHit = errors.New("negative hit")
	ErrCacheMiss        = errors.New("cache miss")
	ErrSetMissing       = errors.New("cannot set missing value directly")
)

type memcache[TKey comparable, TValue comparable] struct {
	store        *otter.Cache[TKey, TValue]
	counter      *stats.Counter
	missingValue TValue
	missingTTL   time.Duration
}

func NewMemoryCache[TKey comparable, TValue comparable](maxCacheSize int, missingValue TValue, expiryTTL, refreshTTL, missingTTL time.Duration) (*memcache[TKey, TValue], error) {
	counter := stats.NewCounter()
	store, err := otter.New(&otter.Options[TKey, TValue]{
		MaximumSize:       maxCacheSize,
		ExpiryCalculator:  otter.ExpiryAccessing[TKey, TValue](expiryTTL),
		RefreshCalculator: otter.RefreshWriting[TKey, TValue](refreshTTL),
		StatsRecorder:     counter,
	})

	if err != nil {
		return nil, err
	}

	return &memcache[TKey, TValue]{
		store:        store,
		counter:      counter,
		missingValue: missingValue,
		missingTTL:   missingTTL,
	}, nil
}

var _ common.Cache[int, any] = (*memcache[int, any])(nil)

func (c *memcache[TKey, TValue]) Missing() TValue {
	return c.missingValue
}

func (c *memcache[TKey, TValue]) HitRatio() float64 {
	return c.counter.Snapshot().HitRatio()
}

func (c *memcache[TKey, TValue]) Get(ctx context.Context, key TKey) (TValue, error) {
	data, found := c.store.GetIfPresent(key)
	if !found {
		slog.Log(ctx, common.LevelTrace, "Item not found in memory cache", "key", key)
		var zero TValue
		return zero, ErrCacheMiss
	}

	if data == c.missingValue {
		slog.Log(ctx, common.LevelTrace, "Item set as missing in memory cache", "key", key)
		var zero TValue
		return zero, ErrNegativeCacheHit
	}

	slog.Log(ctx, common.LevelTrace, "Found item in memory cache", "key", key)

	return data, nil
}

func (c *memcache[TKey, TValue]) GetEx(ctx context.Context, key TKey, loader func(context.Context, TKey) (TValue, error)) (TValue, error) {
	data, err := c.store.Get(ctx, key, otter.LoaderFunc[TKey, TValue](loader))
	if err != nil {
		if errors.Is(err, otter.ErrNotFound) {
			slog.Log(ctx, common.LevelTrace, "Item not found in memory cache", "key", key)

			var zero TValue
			return zero, ErrCacheMiss
		}

		slog.ErrorContext(ctx, "Failed to get item from memory cache", "key", key, common.ErrAttr(err))

		return data, err
	}

	if data == c.missingValue {
		// the loader returned the missing value, force the negative TTL
		c.store.SetExpiresAfter(key, c.missingTTL)
		slog.Log(ctx, common.LevelTrace, "Item set as missing in memory cache", "key", key)
		var zero TValue
		return zero, ErrNegativeCacheHit
	}

	slog.Log(ctx, common.LevelTrace, "Found item in memory cache", "key", key)

	return data, nil
}

func (c *memcache[TKey, TValue]) SetMissing(ctx context.Context, key TKey) error {
	c.store.Set(key, c.missingValue)
	c.store.SetExpiresAfter(key, c.missingTTL)

	slog.Log(ctx, common.LevelTrace, "Set item as missing in memory cache", "key", key)

	return nil
}

func (c *memcache[TKey, TValue]) Set(ctx context.Context, key TKey, t TValue) error {
	if t == c.missingValue {
		return ErrSetMissing
	}

	c.store.Set(key, t)

	slog.Log(ctx, common.LevelTrace, "Saved item to memory cache", "key", key)

	return nil
}

func (c *memcache[TKey, TValue]) SetWithTTL(ctx context.Context, key TKey, t TValue, ttl time.Duration) error {
	if t == c.missingValue {
		return ErrSetMissing
	}

	c.store.Set(key, t)
	c.store.SetExpiresAfter(key, ttl)

	slog.Log(ctx, common.LevelTrace, "Saved item to memory cache", "key", key, "ttl", ttl)

	return nil
}

func (c *memcache[TKey, TValue]) Delete(ctx context.Context, key TKey) error {
	_, found := c.store.Invalidate(key)

	slog.Log(ctx, common.LevelTrace, "Deleted item from memory cache", "key", key, "found", found)

	return nil
}

type cacheKeyPrefix byte

const (
	apiKeyCacheKeyPrefix cacheKeyPrefix = iota
	manifestCacheKeyPrefix
	manifestClassesCacheKeyPrefix
	blockedIPCacheKeyPrefix
	answerClassesCacheKeyPrefix
)

// CacheKey is a small union type, cheaper and less error-prone than
// string concatenation.
type CacheKey struct {
	Prefix   cacheKeyPrefix
	StrValue string
}

func (ck CacheKey) String() string {
	var prefix string
	switch ck.Prefix {
	case apiKeyCacheKeyPrefix:
		prefix = "apikey/"
	case manifestCacheKeyPrefix:
		prefix = "manifest/"
	case manifestClassesCacheKeyPrefix:
		prefix = "manifestClasses/"
	case blockedIPCacheKeyPrefix:
		prefix = "blockedIP/"
	case answerClassesCacheKeyPrefix:
		prefix = "answers/"
	}

	return prefix + ck.StrValue
}

func (ck CacheKey) LogValue() slog.Value {
	return slog.StringValue(ck.String())
}

func stringCacheKey(prefix cacheKeyPrefix, value string) CacheKey {
	return CacheKey{
		Prefix:   prefix,
		StrValue: value,
	}
}

func APIKeyCacheKey(publicKey string) CacheKey {
	return stringCacheKey(apiKeyCacheKeyPrefix, publicKey)
}
func manifestCacheKey(class string) CacheKey { return stringCacheKey(manifestCacheKeyPrefix, class) }
func manifestClassesCacheKey() CacheKey      { return stringCacheKey(manifestClassesCacheKeyPrefix, "all") }
func blockedIPCacheKey(apiKey, ip string) CacheKey {
	return stringCacheKey(blockedIPCacheKeyPrefix, apiKey+"/"+ip)
}
