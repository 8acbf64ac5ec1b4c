package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "scrapegraph:scope".
	Prefix string
	// TTL expires scope keys after the given duration. Zero keeps them forever.
	TTL time.Duration
}

// ErrEmptyAddress is returned when RedisConfig.Address is empty.
var ErrEmptyAddress = errors.New("scope: redis address is required")

const redisPingTimeout = 5 * time.Second

// RedisStore keeps scopes in Redis so a stuck run can be resumed from another
// process.
//
// Layout per scope:
//   - <prefix>:<id>:parent  string, "" for a root scope
//   - <prefix>:<id>:vars    hash of name -> value
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "scrapegraph:scope"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) parentKey(id ID) string { return r.prefix + ":" + string(id) + ":parent" }
func (r *RedisStore) varsKey(id ID) string   { return r.prefix + ":" + string(id) + ":vars" }

func (r *RedisStore) create(ctx context.Context, parent ID) (ID, error) {
	id := NewID()
	if err := r.client.Set(ctx, r.parentKey(id), string(parent), r.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis create scope: %w", err)
	}
	return id, nil
}

// Root implements Store.
func (r *RedisStore) Root(ctx context.Context) (ID, error) { return r.create(ctx, "") }

// Branch implements Store.
func (r *RedisStore) Branch(ctx context.Context, parent ID) (ID, error) {
	if _, _, err := r.Parent(ctx, parent); err != nil {
		return "", err
	}
	return r.create(ctx, parent)
}

// Parent implements Store.
func (r *RedisStore) Parent(ctx context.Context, id ID) (ID, bool, error) {
	p, err := r.client.Get(ctx, r.parentKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("parent %s: %w", id, ErrUnknownScope)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get parent: %w", err)
	}
	return ID(p), p != "", nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, id ID, name string) (string, bool, error) {
	cur := id
	for {
		v, err := r.client.HGet(ctx, r.varsKey(cur), name).Result()
		if err == nil {
			return v, true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", false, fmt.Errorf("redis hget: %w", err)
		}
		p, ok, err := r.Parent(ctx, cur)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		cur = p
	}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, id ID, name, value string) error {
	n, err := r.client.Exists(ctx, r.parentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put %s: %w", id, ErrUnknownScope)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.varsKey(id), name, value)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.varsKey(id), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
