package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/billing-engine/billing"
)

// ErrLockNotAcquired is returned when the lock stays held past the wait limit.
var ErrLockNotAcquired = errors.New("agreement lock not acquired")

// AgreementLockKey builds the redis key guarding an agreement's pool.
func AgreementLockKey(id billing.AgreementID) string {
	return fmt.Sprintf("billing:agreement:%s:lock", id)
}

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed agreement lock.
//
// TTL bounds how long a crashed holder blocks others; it must exceed the
// longest read-split-persist sequence.
type Redis struct {
	client        redis.UniversalClient
	TTL           time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{
		client:        client,
		TTL:           ttl,
		RetryInterval: 25 * time.Millisecond,
		MaxWait:       5 * time.Second,
	}
}

var _ billing.AgreementLocker = (*Redis)(nil)

// WithAgreementLock acquires the agreement key, runs fn, and releases the key.
func (r *Redis) WithAgreementLock(ctx context.Context, id billing.AgreementID, fn func(ctx context.Context) error) error {
	key := AgreementLockKey(id)
	token := uuid.NewString()

	if err := r.acquire(ctx, key, token); err != nil {
		return err
	}
	defer func() {
		// Release even when ctx was cancelled during fn.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
	}()

	return fn(ctx)
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	waitCtx := ctx
	if r.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.MaxWait)
		defer cancel()
	}

	for {
		ok, err := r.client.SetNX(waitCtx, key, token, r.TTL).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
			}
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(r.RetryInterval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		case <-timer.C:
		}
	}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	return client, nil
}
