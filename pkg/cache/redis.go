package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key, default "gqlite".
	KeyPrefix string

	// TTL bounds the lifetime of cached results, default one minute.
	TTL time.Duration
}

// RedisStore is a ResultStore shared by every gateway instance pointing at
// the same Redis.
//
// Keys are prefix:r:<generation>:<hash>. Invalidate bumps the generation
// counter at prefix:gen, so stale entries are never read again and simply
// expire.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	hasher *QueryCache // only used for Key
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gqlite"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		hasher: NewQueryCache(1, 0),
	}
}

func (r *RedisStore) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, r.prefix+":gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *RedisStore) key(gen int64, query string) string {
	return r.prefix + ":r:" + strconv.FormatInt(gen, 10) + ":" + strconv.FormatUint(r.hasher.Key(query), 16)
}

func (r *RedisStore) Get(ctx context.Context, query string) ([]byte, bool, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return nil, false, err
	}
	val, err := r.client.Get(ctx, r.key(gen, query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, query string, value []byte) error {
	gen, err := r.generation(ctx)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(gen, query), value, r.ttl).Err()
}

func (r *RedisStore) Invalidate(ctx context.Context) error {
	return r.client.Incr(ctx, r.prefix+":gen").Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ ResultStore = (*RedisStore)(nil)
