package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants short-lived named leases. Leases are never released explicitly; they expire.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// RedisLocker implements Locker with SET NX PX and a random token
type RedisLocker struct {
	rc     redis.UniversalClient
	prefix string
}

func NewRedisLocker(rc redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rc: rc, prefix: prefix}
}

// LockKey is the Redis key holding the lease for name
func (l *RedisLocker) LockKey(name string) string {
	return l.prefix + "scheduler:lock:" + name
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.rc.SetNX(ctx, l.LockKey(name), uuid.NewString(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Cooldown suppresses repeated work on the same campaign within a window
type Cooldown interface {
	Claim(ctx context.Context, campaignID uint, ttl time.Duration) (bool, error)
}

// RedisCooldown implements Cooldown with SET NX EX
type RedisCooldown struct {
	rc     redis.UniversalClient
	prefix string
}

func NewRedisCooldown(rc redis.UniversalClient, prefix string) *RedisCooldown {
	return &RedisCooldown{rc: rc, prefix: prefix}
}

func (c *RedisCooldown) key(campaignID uint) string {
	return fmt.Sprintf("%scampaign:reconcile:cooldown:%d", c.prefix, campaignID)
}

// Claim reports true when no cooldown was running and starts one
func (c *RedisCooldown) Claim(ctx context.Context, campaignID uint, ttl time.Duration) (bool, error) {
	ok, err := c.rc.SetNX(ctx, c.key(campaignID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim reconcile cooldown for campaign %d: %w", campaignID, err)
	}
	return ok, nil
}
