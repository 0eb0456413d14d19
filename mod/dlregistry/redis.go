package dlregistry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry is the pool-sharing variant of the Duplicate-Download
// Registry: several offload instances fronting the same origin share one
// concurrency-cap count per digest through Redis instead of each keeping
// its own local table. This never bypasses the mandatory origin HEAD —
// it only shares the bookkeeping that enforces the cap across instances.
//
// Each digest maps to a Redis set of pid members (SADD/SREM/SCARD); a TTL
// on the set is a safety net against a member never being released (a
// crashed instance), on top of the ordinary liveness-based reclamation a
// LocalRegistry performs — a crashed pool member's pids are never
// locally reclaimable by another instance, since PidExists only sees
// local processes.
type RedisRegistry struct {
	client *redis.Client
	cap    int
	ttl    time.Duration
}

// NewRedisRegistry returns a registry backed by an existing Redis client.
func NewRedisRegistry(client *redis.Client, cap int, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, cap: cap, ttl: ttl}
}

func redisKey(d Digest) string {
	return "offload:dlslot:" + d.String()
}

// Acquire adds pid to the digest's member set and checks the resulting
// cardinality against cap, refreshing the safety-net TTL on each call.
func (r *RedisRegistry) Acquire(ctx context.Context, digest Digest, pid int) error {
	key := redisKey(digest)
	member := strconv.Itoa(pid)

	pipe := r.client.TxPipeline()
	addCmd := pipe.SAdd(ctx, key, member)
	cardCmd := pipe.SCard(ctx, key)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlregistry: redis acquire: %w", err)
	}

	added, _ := addCmd.Result()
	count, _ := cardCmd.Result()
	if count > int64(r.cap) {
		if added == 1 {
			r.client.SRem(ctx, key, member)
		}
		return ErrCapReached
	}
	return nil
}

// Release removes pid from digest's member set.
func (r *RedisRegistry) Release(ctx context.Context, digest Digest, pid int) error {
	key := redisKey(digest)
	if err := r.client.SRem(ctx, key, strconv.Itoa(pid)).Err(); err != nil {
		return fmt.Errorf("dlregistry: redis release: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
