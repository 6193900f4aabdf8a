// Package limits reads per-tenant subscription limits published by the
// subscriptions service into Redis.
package limits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Unlimited is returned when no limit is recorded for a tenant.
const Unlimited = -1

// Source returns the maximum number of geofences a tenant may hold, or
// Unlimited.
type Source interface {
	GeofenceLimit(ctx context.Context, tenantID string) (int, error)
}

// Key is the Redis key holding a tenant's geofence limit.
func Key(tenantID string) string {
	return "geofences:limit:" + tenantID
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type RedisLimits struct {
	client redis.Cmdable
}

func NewRedisLimits(client redis.Cmdable) *RedisLimits {
	return &RedisLimits{client: client}
}

func (l *RedisLimits) GeofenceLimit(ctx context.Context, tenantID string) (int, error) {
	v, err := l.client.Get(ctx, Key(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return Unlimited, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read geofence limit for %s: %w", tenantID, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("geofence limit for %s is not a non-negative integer: %q", tenantID, v)
	}
	return n, nil
}

// Static serves fixed limits, for tests and deployments without Redis.
type Static map[string]int

func (s Static) GeofenceLimit(_ context.Context, tenantID string) (int, error) {
	if n, ok := s[tenantID]; ok {
		return n, nil
	}
	return Unlimited, nil
}
