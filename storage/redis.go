package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another process holds the named lock
var ErrLockHeld = errors.New("lock is held elsewhere")

// RedisClient wraps the Redis client with locking and pub/sub operations
type RedisClient struct {
	client *redis.Client
	prefix string
	rs     *redsync.Redsync
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int, prefix string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis client initialized successfully", "addr", addr)
	return NewRedisClientWithClient(client, prefix), nil
}

// NewRedisClientWithClient wraps an existing go-redis client
func NewRedisClientWithClient(client *redis.Client, prefix string) *RedisClient {
	return &RedisClient{
		client: client,
		prefix: prefix,
		rs:     redsync.New(goredis.NewPool(client)),
	}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping checks the connection
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Key applies the configured key prefix
func (r *RedisClient) Key(name string) string {
	return r.prefix + name
}

// Publish sends a message on a channel
func (r *RedisClient) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.client.Publish(ctx, r.Key(channel), message).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// WithLock runs fn while holding the named distributed lock. It makes a single
// attempt; if the lock is taken it returns ErrLockHeld without running fn.
// Redis failures are returned as ordinary errors.
func (r *RedisClient) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	mutex := r.rs.NewMutex(
		r.Key("lock:"+name),
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			slog.Debug("Lock not acquired", "lock", name, "error", err)
			return fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release lock", "lock", name, "error", err)
		}
	}()

	return fn(ctx)
}
