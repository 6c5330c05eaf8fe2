/*
Package lock provides billing.AgreementLocker implementations.

PURPOSE:
  Splitting an entry against a timebank pool is a read-modify-write:
  read remaining balance, compute split, persist classification. Two
  callers doing this concurrently for the same agreement would both see
  spare capacity and hand out the same included hours twice. A lock
  scoped to the agreement serializes them.

IMPLEMENTATIONS:
  Local: keyed one-slot channel, for a single process
  Redis: SET NX PX with a random token, for several processes sharing a
         database

SEE ALSO:
  - billing/service.go: LogEntry runs under WithAgreementLock
*/
package lock

import (
	"context"
	"sync"

	"github.com/warp/billing-engine/billing"
)

// Local serializes work per agreement inside one process.
type Local struct {
	mu    sync.Mutex
	locks map[billing.AgreementID]*slot
}

// slot is a one-token semaphore so waiters can give up when ctx ends.
type slot struct {
	token chan struct{}
	refs  int
}

func NewLocal() *Local {
	return &Local{locks: make(map[billing.AgreementID]*slot)}
}

var _ billing.AgreementLocker = (*Local)(nil)

// WithAgreementLock runs fn while holding the agreement's slot. Waiting for
// the slot stops with ctx.Err() once ctx is done.
func (l *Local) WithAgreementLock(ctx context.Context, id billing.AgreementID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := l.acquire(id)
	select {
	case s.token <- struct{}{}:
	case <-ctx.Done():
		l.release(id, s)
		return ctx.Err()
	}
	defer func() {
		<-s.token
		l.release(id, s)
	}()
	return fn(ctx)
}

func (l *Local) acquire(id billing.AgreementID) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.locks[id]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.locks[id] = s
	}
	s.refs++
	return s
}

func (l *Local) release(id billing.AgreementID, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.locks, id)
	}
}
