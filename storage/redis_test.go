package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisClientWithClient(client, "pettag:"), mr
}

func TestWithLockIsExclusive(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	var innerErr error
	ran := false
	err := r.WithLock(ctx, "sweep", time.Minute, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("pettag:lock:sweep"))
		innerErr = r.WithLock(ctx, "sweep", time.Minute, func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.ErrorIs(t, innerErr, ErrLockHeld)
	assert.False(t, mr.Exists("pettag:lock:sweep"))

	// released locks can be taken again
	require.NoError(t, r.WithLock(ctx, "sweep", time.Minute, func(context.Context) error { return nil }))
}

func TestWithLockReportsRedisFailure(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	ran := false
	err := r.WithLock(context.Background(), "sweep", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
	assert.False(t, ran)
}

func TestPublishUsesPrefix(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	sub := r.client.Subscribe(ctx, "pettag:notifications")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "notifications", []byte(`{"event":"x"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pettag:notifications", msg.Channel)
	assert.JSONEq(t, `{"event":"x"}`, msg.Payload)
}
