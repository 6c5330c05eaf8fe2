package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client, 5*time.Second)
	r.RetryInterval = 2 * time.Millisecond
	return r, mr
}

// assertMutualExclusion runs many critical sections on one agreement and
// fails if two ever overlap.
func assertMutualExclusion(t *testing.T, locker billing.AgreementLocker) {
	t.Helper()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithAgreementLock(context.Background(), "agr-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

// =============================================================================
// LOCAL
// =============================================================================

func TestLocal_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewLocal())
}

func TestLocal_DifferentAgreementsDoNotBlock(t *testing.T) {
	l := NewLocal()
	inner := make(chan error, 1)

	err := l.WithAgreementLock(context.Background(), "agr-1", func(ctx context.Context) error {
		go func() {
			inner <- l.WithAgreementLock(ctx, "agr-2", func(context.Context) error { return nil })
		}()
		select {
		case err := <-inner:
			return err
		case <-time.After(time.Second):
			return errors.New("agr-2 blocked by agr-1")
		}
	})
	require.NoError(t, err)
}

func TestLocal_ReturnsFnErrorAndReleases(t *testing.T) {
	l := NewLocal()
	boom := errors.New("boom")

	err := l.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}

func TestLocal_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewLocal().WithAgreementLock(ctx, "agr-1", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestLocal_WaiterGivesUpOnCancel(t *testing.T) {
	// GIVEN: agr-1 held by one caller
	// WHEN: A second caller waits with a context that times out
	// THEN: The waiter returns the context error without running fn, and
	//       the lock is usable again once the holder leaves

	l := NewLocal()
	held := make(chan struct{})
	leave := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error {
			close(held)
			<-leave
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := l.WithAgreementLock(ctx, "agr-1", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	close(leave)
	require.NoError(t, <-done)
	require.NoError(t, l.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error { return nil }))

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}

// =============================================================================
// REDIS
// =============================================================================

func TestRedis_MutualExclusion(t *testing.T) {
	r, _ := newTestRedis(t)
	assertMutualExclusion(t, r)
}

func TestRedis_ReleasesKey(t *testing.T) {
	r, mr := newTestRedis(t)
	key := AgreementLockKey("agr-1")

	err := r.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error {
		assert.True(t, mr.Exists(key), "key held during fn")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestRedis_NotAcquiredWhileHeldElsewhere(t *testing.T) {
	// GIVEN: The agreement key held by another process
	// WHEN: Trying to lock with a short wait
	// THEN: ErrLockNotAcquired, and the other holder's key survives

	r, mr := newTestRedis(t)
	r.MaxWait = 30 * time.Millisecond
	key := AgreementLockKey("agr-1")
	require.NoError(t, mr.Set(key, "someone-else"))

	err := r.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_KeyExpiresWithTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	key := AgreementLockKey("agr-1")

	err := r.WithAgreementLock(context.Background(), "agr-1", func(context.Context) error {
		assert.Equal(t, 5*time.Second, mr.TTL(key))
		return nil
	})
	require.NoError(t, err)
}
