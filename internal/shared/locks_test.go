package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestLockerExclusive(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "k", "someone-else"))
	assert.True(t, mr.Exists("k"))

	require.NoError(t, locker.Release(ctx, "k", token))
	assert.False(t, mr.Exists("k"))
}

func TestLockerExpires(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()
	_, ok, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()
	key := ClosingLockKey(1, "domestic", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "tax:closing:1:domestic:2024-01-01:2024-03-31:lock", key)

	boom := errors.New("boom")
	err := locker.WithLock(ctx, key, time.Minute, func(ctx context.Context) error {
		assert.True(t, mr.Exists(key))
		nested := locker.WithLock(ctx, key, time.Minute, func(context.Context) error { return nil })
		assert.ErrorIs(t, nested, ErrLocked)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(key))
}

func TestNilLocker(t *testing.T) {
	var locker *Locker
	assert.Nil(t, NewLocker(nil))
	_, _, err := locker.TryLock(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
}

func TestCompanyContext(t *testing.T) {
	ctx := ContextWithCompany(context.Background(), 7)
	assert.Equal(t, int64(7), CompanyFromContext(ctx))
	assert.Zero(t, CompanyFromContext(context.Background()))
}
