package db

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrRecordNotFound = errors.New("record not found")
	ErrMaintenance    = errors.New("maintenance mode")
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultCacheRefresh = 29 * time.Minute
	negativeCacheTTL    = 5 * time.Minute

	// blocked-IP answers are cached briefly so the gate does not hit
	// Postgres on every request
	blockedIPCacheTTL = 30 * time.Second
)

type APIKey struct {
	ID                 int32
	PublicKey          string
	SecretHash         string
	Name               string
	UserID             int32
	IsDemo             bool
	AllowedOrigins     []string
	RateLimitPerMinute int32
	RateLimitPerDay    int32
	UsageCount         int64
	CreatedAt          time.Time
}

// HashSecret is how secret keys are stored and compared, never raw.
func HashSecret(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (k *APIKey) VerifySecret(secret string) bool {
	return hmac.Equal([]byte(k.SecretHash), []byte(HashSecret(secret)))
}

// OriginAllowed checks the key's origin allow-list. An empty list or a
// "*" entry admits everything; requests without an Origin header are
// server-to-server and bypass the check.
func (k *APIKey) OriginAllowed(origin string) bool {
	if len(origin) == 0 || len(k.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range k.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	return false
}

type BusinessStore struct {
	Pool  *pgxpool.Pool
	Cache common.Cache[CacheKey, any]
}

func NewBusiness(pool *pgxpool.Pool) *BusinessStore {
	const maxCacheSize = 1_000_000
	var cache common.Cache[CacheKey, any]
	var err error
	cache, err = NewMemoryCache[CacheKey, any](maxCacheSize, &struct{}{}, defaultCacheTTL, defaultCacheRefresh, negativeCacheTTL)
	if err != nil {
		slog.Error("Failed to create memory cache", common.ErrAttr(err))
		cache = NewStaticCache[CacheKey, any](maxCacheSize, &struct{}{})
	}

	return &BusinessStore{Pool: pool, Cache: cache}
}

func (s *BusinessStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *BusinessStore) CacheHitRatio() float64 {
	return s.Cache.HitRatio()
}

func (s *BusinessStore) loadAPIKey(ctx context.Context, publicKey string) (any, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, public_key, secret_hash, name, user_id, is_demo, allowed_origins, rate_limit_per_minute, rate_limit_per_day, usage_count, created_at
		FROM api_keys
		WHERE public_key = $1 AND deleted_at IS NULL`, publicKey)

	key := &APIKey{}
	err := row.Scan(&key.ID, &key.PublicKey, &key.SecretHash, &key.Name, &key.UserID, &key.IsDemo,
		&key.AllowedOrigins, &key.RateLimitPerMinute, &key.RateLimitPerDay, &key.UsageCount, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// cache the miss too
			return &struct{}{}, nil
		}
		slog.ErrorContext(ctx, "Failed to read api key", common.ErrAttr(err))
		return nil, err
	}

	return key, nil
}

// GetAPIKey reads through the cache; unknown keys are negatively cached.
func (s *BusinessStore) GetAPIKey(ctx context.Context, publicKey string) (*APIKey, error) {
	if len(publicKey) == 0 {
		return nil, ErrInvalidInput
	}

	value, err := s.Cache.GetEx(ctx, APIKeyCacheKey(publicKey), func(ctx context.Context, _ CacheKey) (any, error) {
		return s.loadAPIKey(ctx, publicKey)
	})
	if err != nil {
		if err == ErrNegativeCacheHit || err == ErrCacheMiss {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	key, ok := value.(*APIKey)
	if !ok {
		return nil, ErrRecordNotFound
	}

	return key, nil
}

// IncrementUsage bumps the key's lifetime counter and the per-day
// per-type counter in one round trip.
func (s *BusinessStore) IncrementUsage(ctx context.Context, apiKeyID int32, captchaType string, tnow time.Time) error {
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE api_keys SET usage_count = usage_count + 1 WHERE id = $1`, apiKeyID)
	batch.Queue(`INSERT INTO daily_stats (api_key_id, day, captcha_type, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (api_key_id, day, captcha_type) DO UPDATE SET count = daily_stats.count + 1`,
		apiKeyID, tnow.UTC().Truncate(24*time.Hour), captchaType)

	if err := s.Pool.SendBatch(ctx, batch).Close(); err != nil {
		slog.ErrorContext(ctx, "Failed to increment key usage", "apiKeyID", apiKeyID, common.ErrAttr(err))
		return err
	}

	return nil
}

// DailyUsage returns per-type counters for one key and day.
func (s *BusinessStore) DailyUsage(ctx context.Context, apiKeyID int32, day time.Time) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT captcha_type, count FROM daily_stats WHERE api_key_id = $1 AND day = $2`,
		apiKeyID, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read daily usage", "apiKeyID", apiKeyID, common.ErrAttr(err))
		return nil, err
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var captchaType string
		var count int64
		if err := rows.Scan(&captchaType, &count); err != nil {
			return nil, err
		}
		usage[captchaType] = count
	}

	return usage, rows.Err()
}
