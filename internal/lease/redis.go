package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wo-foreman.io/foreman/internal/repository"
)

// Lua scripts keep owner check and mutation in one round trip, so a
// lease can never be extended or released by a non-holder that raced
// the real holder.
var (
	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)
)

// RedisBackend is the fast backend: ownership lives in a Redis key with
// a native TTL, value = owner. Expiry is handled by Redis itself, so
// reclamation never has to delete anything here.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates the Redis-backed lease authority.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

func leaseKey(itemID string) string {
	return "foreman:lease:" + itemID
}

func (b *RedisBackend) Acquire(ctx context.Context, _ repository.Store, itemID, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, leaseKey(itemID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease on item %s: %w", itemID, err)
	}
	return ok, nil
}

func (b *RedisBackend) Extend(ctx context.Context, _ repository.Store, itemID, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{leaseKey(itemID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend lease on item %s: %w", itemID, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, _ repository.Store, itemID, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{leaseKey(itemID)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis release lease on item %s: %w", itemID, err)
	}
	return n == 1, nil
}
