// Package lock implements ExclusiveLock: an advisory, file-based mutex
// that serializes writers to a path across OS processes. SQLite's own
// locking cannot coordinate the compound read-then-write critical
// sections the queue store and scratch store require, so every
// multi-statement logical transaction in this scheduler is wrapped in
// one of these instead.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dolthub/fslock"

	"github.com/pairfarm/seqfarm/internal/apperr"
)

// Infinite is passed as maxWait to block until acquired.
const Infinite time.Duration = -1

const pollInterval = 20 * time.Millisecond

// coordinator tracks in-process priority waiters for a single path so
// that normal acquirers can defer to a pending priority acquirer,
// modeling a two-level wait queue where claims outrank maintenance.
// fslock itself provides no fairness guarantee across processes; this
// layer only orders goroutines within this process.
type coordinator struct {
	mu              sync.Mutex
	priorityWaiters int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*coordinator{}
)

func coordinatorFor(path string) *coordinator {
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := registry[path]
	if !ok {
		c = &coordinator{}
		registry[path] = c
	}
	return c
}

// ExclusiveLock guards a single filesystem path (a SQLite database file,
// or the scratch store's write.lock sentinel).
type ExclusiveLock struct {
	path  string
	coord *coordinator
}

// New returns an ExclusiveLock bound to path. Multiple ExclusiveLock
// values constructed for the same path share the same priority
// coordinator, since independent components (heartbeat, GC, queue
// store) each wrap the same DB file.
func New(path string) *ExclusiveLock {
	return &ExclusiveLock{path: path, coord: coordinatorFor(path)}
}

// Lease is held while the critical section runs; Release must be called
// exactly once, on every exit path (including panics — callers should
// `defer lease.Release()` immediately after Acquire succeeds).
type Lease struct {
	path     string
	fl       *fslock.Lock
	lag      time.Duration
	mu       sync.Mutex
	released bool
}

// Lag reports the delay between the Acquire call and the moment the
// lock was actually obtained. Consumers widen staleness windows by this
// amount so a slow acquirer doesn't falsely declare itself dead.
func (l *Lease) Lag() time.Duration {
	return l.lag
}

// Release unlocks the path. Safe to call more than once.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	return l.fl.Unlock()
}

// Acquire blocks until the lock is obtained, maxWait elapses (returns
// apperr.ErrLockTimeout), or ctx is cancelled. maxWait == 0 means "try
// once, don't wait" (used by the scratch store's write-lock, where a
// held lock means another participant already produced the file).
// maxWait == Infinite blocks forever. When priority is set, this
// acquirer is given precedence: concurrent non-priority Acquire calls
// for the same path back off until it either succeeds or gives up.
func (l *ExclusiveLock) Acquire(ctx context.Context, maxWait time.Duration, priority bool) (*Lease, error) {
	start := time.Now()

	if priority {
		l.coord.mu.Lock()
		l.coord.priorityWaiters++
		l.coord.mu.Unlock()
		defer func() {
			l.coord.mu.Lock()
			l.coord.priorityWaiters--
			l.coord.mu.Unlock()
		}()
	} else if err := l.deferToPriority(ctx, start, maxWait); err != nil {
		return nil, err
	}

	fl := fslock.New(l.path)
	attempt := 0
	for {
		err := fl.LockWithTimeout(pollInterval)
		if err == nil {
			return &Lease{path: l.path, fl: fl, lag: time.Since(start)}, nil
		}
		attempt++
		if maxWait == 0 {
			return nil, fmt.Errorf("%w: %s", apperr.ErrLockTimeout, l.path)
		}
		if maxWait > 0 && time.Since(start) >= maxWait {
			return nil, fmt.Errorf("%w: %s", apperr.ErrLockTimeout, l.path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// deferToPriority makes a non-priority acquirer wait while a priority
// waiter is outstanding for this path, bounded by maxWait so a
// misbehaving priority waiter can't starve everyone else forever.
func (l *ExclusiveLock) deferToPriority(ctx context.Context, start time.Time, maxWait time.Duration) error {
	for {
		l.coord.mu.Lock()
		pending := l.coord.priorityWaiters > 0
		l.coord.mu.Unlock()
		if !pending {
			return nil
		}
		if maxWait >= 0 && time.Since(start) >= maxWait {
			return nil // fall through and race for the lock normally
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
