package db

import (
	"context"
	"testing"
	"time"
)

func TestCacheKeyString(t *testing.T) {
	t.Parallel()

	if got := APIKeyCacheKey("pk_live_abc").String(); got != "apikey/pk_live_abc" {
		t.Errorf("api key cache key %q", got)
	}
	if got := blockedIPCacheKey("pk_live_abc", "10.1.2.3").String(); got != "blockedIP/pk_live_abc/10.1.2.3" {
		t.Errorf("blocked ip cache key %q", got)
	}
	if got := manifestCacheKey("cat").String(); got != "manifest/cat" {
		t.Errorf("manifest cache key %q", got)
	}
}

func TestSecretHashing(t *testing.T) {
	t.Parallel()

	key := &APIKey{SecretHash: HashSecret("sk_live_secret")}

	if !key.VerifySecret("sk_live_secret") {
		t.Error("valid secret rejected")
	}
	if key.VerifySecret("sk_live_other") {
		t.Error("wrong secret accepted")
	}
	if key.VerifySecret("") {
		t.Error("empty secret accepted")
	}
}

func TestMemoryCacheNegativeHit(t *testing.T) {
	t.Parallel()

	cache, err := NewMemoryCache[CacheKey, any](100, &struct{}{}, time.Minute, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	ctx := context.Background()
	key := APIKeyCacheKey("pk_missing")

	if _, err := cache.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("expected cache miss, got %v", err)
	}

	if err := cache.SetMissing(ctx, key); err != nil {
		t.Fatalf("failed to set missing: %v", err)
	}
	if _, err := cache.Get(ctx, key); err != ErrNegativeCacheHit {
		t.Errorf("expected negative hit, got %v", err)
	}
}

func TestStaticCacheLoader(t *testing.T) {
	t.Parallel()

	cache := NewStaticCache[CacheKey, any](100, &struct{}{})
	ctx := context.Background()
	key := APIKeyCacheKey("pk_live_abc")

	loads := 0
	loader := func(ctx context.Context, _ CacheKey) (any, error) {
		loads++
		return "value", nil
	}

	for range 3 {
		value, err := cache.GetEx(ctx, key, loader)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if value != "value" {
			t.Errorf("loaded %v", value)
		}
	}

	if loads != 1 {
		t.Errorf("loader ran %v times", loads)
	}
}
