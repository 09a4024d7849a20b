package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKey = "balancer:planning_lease"

// renewScript extends the lease only if the caller still holds it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript drops the lease only if the caller holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements LeaseStore for Redis
type RedisLeaseStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLeaseStore creates a new Redis lease store
func NewRedisLeaseStore(host string, port int, password string, db, poolSize int, logger *zap.Logger) (LeaseStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLeaseStore{
		client: client,
		logger: logger,
	}, nil
}

// Acquire attempts to take the planning lease
func (s *RedisLeaseStore) Acquire(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey, nodeID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		// The lease may already be ours from a previous round
		holder, err := s.client.Get(ctx, leaseKey).Result()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read lease holder: %w", err)
		}
		if holder == nodeID {
			return s.Renew(ctx, nodeID, ttl)
		}
		return false, nil
	}
	return true, nil
}

// Renew extends the lease if nodeID still holds it
func (s *RedisLeaseStore) Renew(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{leaseKey}, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return res == 1, nil
}

// Release drops the lease if nodeID holds it
func (s *RedisLeaseStore) Release(ctx context.Context, nodeID string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{leaseKey}, nodeID).Int(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisLeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}
