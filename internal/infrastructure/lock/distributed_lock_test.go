package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLock_LockUnlock(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	l := NewDistributedLock(client, "k", "owner-1", time.Second)
	require.NoError(t, l.Lock(ctx, time.Millisecond, 1))

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got)

	require.NoError(t, l.Unlock(ctx))
	assert.False(t, mr.Exists("k"))
}

func TestDistributedLock_UnlockChecksOwner(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "k", "a", time.Second)
	require.NoError(t, a.Lock(ctx, time.Millisecond, 1))

	b := NewDistributedLock(client, "k", "b", time.Second)
	assert.ErrorIs(t, b.Unlock(ctx), ErrLockNotHeld)
	assert.True(t, mr.Exists("k"), "b must not delete a's lock")
}

func TestDistributedLock_RetriesExhausted(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", "holder", time.Minute)
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	waiter := NewDistributedLock(client, "k", "waiter", time.Minute)
	err := waiter.Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestDistributedLock_ContextDeadline(t *testing.T) {
	_, client := setupRedis(t)

	holder := NewDistributedLock(client, "k", "holder", time.Minute)
	require.NoError(t, holder.Lock(context.Background(), time.Millisecond, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	waiter := NewDistributedLock(client, "k", "waiter", time.Minute)
	err := waiter.Lock(ctx, 5*time.Millisecond, 1000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDistributedLock_ExpiresWhenHolderDies(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	dead := NewDistributedLock(client, "k", "dead", 50*time.Millisecond)
	require.NoError(t, dead.Lock(ctx, time.Millisecond, 1))
	mr.FastForward(100 * time.Millisecond)

	next := NewDistributedLock(client, "k", "next", time.Second)
	assert.NoError(t, next.Lock(ctx, time.Millisecond, 1))
}

func TestAccountLocker_Serializes(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewAccountLocker(client, AccountLockOptions{
		TTL:           time.Second,
		RetryInterval: time.Millisecond,
		MaxRetries:    5000,
	})

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := locker.Acquire(context.Background(), 42)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, l.Unlock(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestAccountLocker_DifferentAccountsDoNotBlock(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewAccountLocker(client, AccountLockOptions{TTL: time.Second, RetryInterval: time.Millisecond, MaxRetries: 1})
	ctx := context.Background()

	a, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)
	defer a.Unlock(ctx)

	b, err := locker.Acquire(ctx, 2)
	require.NoError(t, err)
	defer b.Unlock(ctx)

	assert.Equal(t, "ledger:lock:account:2", b.Key())
}
