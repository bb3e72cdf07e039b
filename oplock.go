package scan

import (
	"context"
	"sync"
)

// opLock is a mutual exclusion lock that records which operation holds it.
// Waiters block on a channel that is closed on every unlock, so a wait can
// be abandoned when its context is done.
type opLock struct {
	mu     sync.Mutex
	holder string
	free   chan struct{}
}

func newOpLock() *opLock {
	return &opLock{free: make(chan struct{})}
}

// lock takes the lock for op, which must not be empty. If busy reports true
// for the current holder, lock returns ErrOperationInProgress instead of
// waiting. The holder is checked again after every wakeup.
func (l *opLock) lock(ctx context.Context, op string, busy func(holder string) bool) error {
	for {
		l.mu.Lock()
		if l.holder == "" {
			l.holder = op
			l.mu.Unlock()
			return nil
		}
		if busy != nil && busy(l.holder) {
			l.mu.Unlock()
			return ErrOperationInProgress
		}
		free := l.free
		l.mu.Unlock()

		select {
		case <-free:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *opLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		panic("scan: unlock of unlocked opLock")
	}
	l.holder = ""
	close(l.free)
	l.free = make(chan struct{})
}

// held returns the operation holding the lock, or "".
func (l *opLock) held() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
