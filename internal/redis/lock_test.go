package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, 5*time.Second, nil), mr, client
}

func TestWithLockRunsAndReleases(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	key := SlotKey(uuid.New(), time.Now())

	called := false
	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		called = true
		assert.True(t, mr.Exists(key))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, mr.Exists(key), "lock key should be released")
}

func TestWithLockContended(t *testing.T) {
	locker, _, _ := newTestLocker(t)
	key := SessionKey(uuid.New())

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, key, func(context.Context) error {
			t.Fatal("inner critical section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockPropagatesError(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	key := SessionKey(uuid.New())
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), key, func(context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(key))
}

func TestReleaseKeepsForeignToken(t *testing.T) {
	locker, mr, client := newTestLocker(t)
	key := SessionKey(uuid.New())

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		// simulate TTL expiry and another holder taking over
		require.NoError(t, client.Set(ctx, key, "someone-else", time.Minute).Err())
		return nil
	})
	require.NoError(t, err)

	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestReleaseFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zap.WarnLevel)
	locker := NewRedisLocker(client, 5*time.Second, zap.New(core))
	key := SessionKey(uuid.New())

	err := locker.WithLock(context.Background(), key, func(context.Context) error {
		mr.SetError("LOADING server is loading")
		return nil
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("failed to release lock").All()
	require.Len(t, entries, 1)
	assert.Equal(t, key, entries[0].ContextMap()["lock_key"])
}

func TestSlotKeyNormalizesTimezone(t *testing.T) {
	doctor := uuid.New()
	at := time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC)
	local := at.In(time.FixedZone("X", 3600))

	assert.Equal(t, SlotKey(doctor, at), SlotKey(doctor, local))
}
