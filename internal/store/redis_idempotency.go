package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyKeyPrefix = "dispatchd:idem:"

// claimScript atomically claims (tenantId, key) for dispatchId unless
// already claimed by a different dispatchId, in a single round trip —
// the same single-RTT Lua pattern the teacher uses for name->id lookups in
// store/redis.go, generalized here to a conditional SET.
var claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

// RedisIdempotencyStore implements IdempotencyStore on a key per
// (tenantID, idempotencyKey), PX-expiring at the claim TTL (spec §3.3,
// §4.3).
type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(addr, password string, db int) (*RedisIdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisIdempotencyStore{client: client}, nil
}

func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}

func idempotencyRedisKey(tenantID, key string) string {
	return idempotencyKeyPrefix + tenantID + ":" + key
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, tenantID, key, dispatchID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ms := ttl.Milliseconds()

	res, err := claimScript.Run(ctx, s.client, []string{idempotencyRedisKey(tenantID, key)}, dispatchID, ms).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	owner, ok := res.(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected claim script result type %T", res)
	}
	return owner, owner == dispatchID, nil
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, tenantID, key string) (string, error) {
	val, err := s.client.Get(ctx, idempotencyRedisKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return val, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, tenantID, key string) error {
	if err := s.client.Del(ctx, idempotencyRedisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
