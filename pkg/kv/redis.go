package kv

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client redis.UniversalClient
}

var _ Store = (*redisStore)(nil)

type RedisConnectOpts struct {
	Addrs    []string
	Password string
	Cluster  bool
}

// NewRedisStore connects to a single node or a cluster; the universal
// client follows MOVED/ASK redirects transparently.
func NewRedisStore(ctx context.Context, opts RedisConnectOpts) (*redisStore, error) {
	var client redis.UniversalClient
	if opts.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        opts.Addrs,
			Password:     opts.Password,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        opts.Addrs,
			Password:     opts.Password,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	}

	store := &redisStore{client: client}
	if err := store.Ping(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to ping KV store", "addrs", strings.Join(opts.Addrs, ","), common.ErrAttr(err))
		return nil, err
	}

	return store, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *redisStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return err
	}

	return json.Unmarshal(data, dest)
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// go-redis passes the -2 (missing key) and -1 (no expiry) sentinels through unscaled
	if ttl < 0 {
		if ttl == -2 {
			return 0, ErrNotFound
		}
		return 0, nil
	}

	return ttl, nil
}

func (s *redisStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return incr.Val(), nil
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}

	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}

	return s.client.SRem(ctx, key, args...).Err()
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}
