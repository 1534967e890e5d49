package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/lock"
)

func TestNoopAlwaysGrants(t *testing.T) {
	var l lock.Locker = lock.Noop{}
	release, ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

// Runs against a real server when FIELDPROOF_TEST_REDIS is set, e.g. localhost:6379.
func TestRedisLockIsExclusive(t *testing.T) {
	addr := os.Getenv("FIELDPROOF_TEST_REDIS")
	if addr == "" {
		t.Skip("FIELDPROOF_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	key := "fieldproof:test:" + uuid.NewString()

	a := lock.NewRedis(client, key, 10*time.Second)
	b := lock.NewRedis(client, key, 10*time.Second)

	releaseA, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	releaseA()
	releaseB, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}

func TestRedisLeaseOutlivesTTLWhileHeld(t *testing.T) {
	addr := os.Getenv("FIELDPROOF_TEST_REDIS")
	if addr == "" {
		t.Skip("FIELDPROOF_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	key := "fieldproof:test:" + uuid.NewString()

	a := lock.NewRedis(client, key, 300*time.Millisecond)
	b := lock.NewRedis(client, key, 300*time.Millisecond)

	releaseA, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(time.Second)
	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	releaseA()
	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-2), ttl)
}
