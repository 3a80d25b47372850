// Package heartbeat implements the liveness mechanism every master and
// worker thread registers with on startup: a row in a shared table that
// is touched on a fixed interval, and is read by the garbage collector
// to decide which threads have gone silent.
package heartbeat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pairfarm/seqfarm/internal/lock"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/storage"
)

// ThreadType distinguishes a master's heartbeat row from a worker's;
// the garbage collector treats dead masters and dead workers
// differently (see the gc package).
type ThreadType string

const (
	ThreadMaster ThreadType = "master"
	ThreadWorker ThreadType = "worker"
)

// Row is a single thread's liveness row.
type Row struct {
	ThreadID   string `gorm:"column:thread_id;primaryKey"`
	ThreadType string `gorm:"column:thread_type;index"`
	Pulse      int64  `gorm:"column:pulse"`
}

func (Row) TableName() string { return "heartbeat" }

// Registry wraps the shared heartbeat database file.
type Registry struct {
	db   *gorm.DB
	lock *lock.ExclusiveLock
	log  *logger.Logger
	path string
}

// Open creates (if absent) and migrates the heartbeat database at path.
func Open(log *logger.Logger, path string) (*Registry, error) {
	db, err := storage.Open(log, path, &Row{})
	if err != nil {
		return nil, err
	}
	return &Registry{
		db:   db,
		lock: lock.New(path),
		log:  log.With("component", "HeartbeatRegistry"),
		path: path,
	}, nil
}

// Heartbeat is a handle to one registered, ticking thread.
type Heartbeat struct {
	reg      *Registry
	threadID string
	stop     chan struct{}
	done     chan struct{}
}

// Start inserts a heartbeat row for threadID and begins pulsing it
// every rate until End is called. Grounded on the same "ticker plus
// stop channel" shape used for the scheduler's periodic background
// work throughout this codebase.
func (r *Registry) Start(ctx context.Context, threadID string, kind ThreadType, rate time.Duration) (*Heartbeat, error) {
	lease, err := r.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	err = r.db.WithContext(ctx).Create(&Row{ThreadID: threadID, ThreadType: string(kind), Pulse: now}).Error
	lease.Release()
	if err != nil {
		return nil, err
	}

	hb := &Heartbeat{reg: r, threadID: threadID, stop: make(chan struct{}), done: make(chan struct{})}
	go hb.loop(rate)
	return hb, nil
}

func (hb *Heartbeat) loop(rate time.Duration) {
	defer close(hb.done)
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
			hb.pulse()
		}
	}
}

func (hb *Heartbeat) pulse() {
	lease, err := hb.reg.lock.Acquire(context.Background(), lock.Infinite, false)
	if err != nil {
		hb.reg.log.Warn("heartbeat pulse failed to acquire lock", "thread_id", hb.threadID, "err", err)
		return
	}
	defer lease.Release()
	if err := hb.reg.db.Model(&Row{}).Where("thread_id = ?", hb.threadID).
		Update("pulse", time.Now().Unix()).Error; err != nil {
		hb.reg.log.Warn("heartbeat pulse update failed", "thread_id", hb.threadID, "err", err)
	}
}

// End stops the ticking goroutine and removes this thread's row.
func (hb *Heartbeat) End(ctx context.Context) error {
	close(hb.stop)
	<-hb.done
	lease, err := hb.reg.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return hb.reg.db.Where("thread_id = ?", hb.threadID).Delete(&Row{}).Error
}

// Snapshot returns every heartbeat row under a single lock acquisition.
// The garbage collector reads this before reading the work database, so
// a thread that pulses between the two reads is counted as alive rather
// than spuriously collected (heartbeat-snapshot-first ordering).
func (r *Registry) Snapshot(ctx context.Context) ([]Row, time.Duration, error) {
	lease, err := r.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return nil, 0, err
	}
	defer lease.Release()
	var rows []Row
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, lease.Lag(), nil
}

// Remove deletes heartbeat rows for the given thread IDs, used by the
// garbage collector once it has computed which threads are dead.
func (r *Registry) Remove(ctx context.Context, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}
	lease, err := r.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return r.db.WithContext(ctx).Where("thread_id IN ?", threadIDs).Delete(&Row{}).Error
}

// LatestPulse returns the most recent pulse timestamp among rows of the
// given ThreadType, used by a worker to watch for master inactivity
// (spec: terminate when now - last_master_pulse > max_wait). ok is
// false when no row of that type exists yet.
func LatestPulse(rows []Row, kind ThreadType) (pulse time.Time, ok bool) {
	var latest int64 = -1
	for _, row := range rows {
		if row.ThreadType != string(kind) {
			continue
		}
		if row.Pulse > latest {
			latest = row.Pulse
		}
	}
	if latest < 0 {
		return time.Time{}, false
	}
	return time.Unix(latest, 0), true
}

// Stale filters a Snapshot down to thread IDs whose last pulse precedes
// now - deadWait - lag. lag is the observed ExclusiveLock acquisition
// delay (Lease.Lag), which widens the staleness window so a thread
// stuck behind lock contention isn't declared dead.
func Stale(rows []Row, kind ThreadType, now time.Time, deadWait, lag time.Duration) []string {
	threshold := now.Add(-deadWait).Add(-lag).Unix()
	var ids []string
	for _, row := range rows {
		if row.ThreadType != string(kind) {
			continue
		}
		if row.Pulse < threshold {
			ids = append(ids, row.ThreadID)
		}
	}
	return ids
}
