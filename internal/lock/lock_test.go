package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test"), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must be refused while the lock is live")

	other, ok, err := l.Acquire(ctx, "campaign:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, token, other)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Acquire(ctx, "shared", time.Minute)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "r", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "r", "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	holder, err := l.Holder(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, token, holder)

	released, err = l.Release(ctx, "r", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = l.Acquire(ctx, "r", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleTokenCannotReleaseNewHolder(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	stale, ok, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.Acquire(ctx, "r", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be acquirable")

	released, err := l.Release(ctx, "r", stale)
	require.NoError(t, err)
	assert.False(t, released)

	extended, err := l.Extend(ctx, "r", stale, time.Hour)
	require.NoError(t, err)
	assert.False(t, extended)

	holder, err := l.Holder(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, fresh, holder)
}

func TestExtendKeepsLockAlive(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "r", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Second)
	extended, err := l.Extend(ctx, "r", token, 10*time.Second)
	require.NoError(t, err)
	require.True(t, extended)

	mr.FastForward(5 * time.Second)
	holder, err := l.Holder(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, token, holder)
}

func TestStoreUnavailable(t *testing.T) {
	l, mr := newTestLocker(t)
	mr.Close()

	_, ok, err := l.Acquire(context.Background(), "r", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)

	released, err := l.Release(context.Background(), "r", "tok")
	assert.Error(t, err)
	assert.False(t, released)
}
