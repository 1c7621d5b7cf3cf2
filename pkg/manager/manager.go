// Package manager tracks a single migration's live-tunable throttles and
// counters, and exposes the blocking/status-polling contract an operator or
// caller of the driver uses to watch it to completion.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/shardmove/pkg/realm"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// atomicDuration holds a time.Duration throttle as an int64 nanosecond
// count that is read and written through sync/atomic. Throttles
// are durations (the pause applied after each batch), unlike the Python
// original's float-seconds, but SetInsertThrottle/SetDeleteThrottle keep the
// same "change it while the migration is running" semantics.
type atomicDuration struct {
	ns int64
}

func (a *atomicDuration) Load() time.Duration {
	return time.Duration(atomic.LoadInt64(&a.ns))
}

func (a *atomicDuration) Store(d time.Duration) {
	atomic.StoreInt64(&a.ns, int64(d))
}

// Config seeds a Manager's initial tunables.
type Config struct {
	CollectionName  string
	ShardKey        any
	NewLocation     string
	InsertThrottle  time.Duration
	DeleteThrottle  time.Duration
	InsertBatchSize int
	DeleteBatchSize int
}

// Manager is the observer contract a migration driver reports progress
// through, and that a caller polls or blocks on for completion. It owns no
// connections and performs no I/O of its own; the driver is the only writer
// of its counters and phase, everything else is read-only to callers.
type Manager struct {
	CollectionName string
	ShardKey       any
	NewLocation    string

	insertThrottle  atomicDuration
	deleteThrottle  atomicDuration
	insertBatchSize int64
	deleteBatchSize int64

	inserted atomic.Int64
	deleted  atomic.Int64

	mu     sync.Mutex
	phase  string
	err    error
	done   chan struct{}
	closed bool

	logger loggers.Advanced
}

// New builds a Manager from cfg. It does no work of its own; the driver
// that owns it (migration.Start) reports progress through it.
func New(cfg Config, logger loggers.Advanced) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		CollectionName: cfg.CollectionName,
		ShardKey:       cfg.ShardKey,
		NewLocation:    cfg.NewLocation,
		logger:         logger,
		done:           make(chan struct{}),
	}
	m.insertThrottle.Store(cfg.InsertThrottle)
	m.deleteThrottle.Store(cfg.DeleteThrottle)
	atomic.StoreInt64(&m.insertBatchSize, int64(cfg.InsertBatchSize))
	atomic.StoreInt64(&m.deleteBatchSize, int64(cfg.DeleteBatchSize))
	return m
}

// IncInserted adds by to the inserted-document counter.
func (m *Manager) IncInserted(by int) {
	m.inserted.Add(int64(by))
}

// IncDeleted adds by to the deleted-document counter.
func (m *Manager) IncDeleted(by int) {
	m.deleted.Add(int64(by))
}

// Inserted returns the current count of documents copied/replayed into the
// destination.
func (m *Manager) Inserted() int64 { return m.inserted.Load() }

// Deleted returns the current count of documents deleted from the source.
func (m *Manager) Deleted() int64 { return m.deleted.Load() }

// InsertThrottle returns the current pause applied after each insert batch.
func (m *Manager) InsertThrottle() time.Duration { return m.insertThrottle.Load() }

// DeleteThrottle returns the current pause applied after each delete batch.
func (m *Manager) DeleteThrottle() time.Duration { return m.deleteThrottle.Load() }

// InsertBatchSize returns the current insert batch size.
func (m *Manager) InsertBatchSize() int { return int(atomic.LoadInt64(&m.insertBatchSize)) }

// DeleteBatchSize returns the current delete batch size.
func (m *Manager) DeleteBatchSize() int { return int(atomic.LoadInt64(&m.deleteBatchSize)) }

// SetInsertThrottle changes the insert throttle while the migration is
// running. Workers re-read this value once per batch boundary, never
// mid-batch, so the new value takes effect on the next batch.
func (m *Manager) SetInsertThrottle(d time.Duration) {
	old := m.insertThrottle.Load()
	m.insertThrottle.Store(d)
	m.logger.Infof("changing insert throttle from %s to %s", old, d)
}

// SetDeleteThrottle changes the delete throttle while the migration is
// running, with the same batch-boundary re-read rule as SetInsertThrottle.
func (m *Manager) SetDeleteThrottle(d time.Duration) {
	old := m.deleteThrottle.Load()
	m.deleteThrottle.Store(d)
	m.logger.Infof("changing delete throttle from %s to %s", old, d)
}

// SetInsertBatchSize changes the insert batch size, effective next batch.
func (m *Manager) SetInsertBatchSize(n int) {
	atomic.StoreInt64(&m.insertBatchSize, int64(n))
}

// SetDeleteBatchSize changes the delete batch size, effective next batch.
func (m *Manager) SetDeleteBatchSize(n int) {
	atomic.StoreInt64(&m.deleteBatchSize, int64(n))
}

// SetPhase records the migration's current phase for status reporting.
// Called by the driver at each phase transition.
func (m *Manager) SetPhase(status realm.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = status.String()
}

// Phase returns the last phase set by SetPhase, or "" before the migration
// has started.
func (m *Manager) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Finish records the migration's terminal outcome and unblocks every
// BlockUntilFinished caller. Calling it more than once is a no-op: only the
// first outcome sticks.
func (m *Manager) Finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.err = err
	m.closed = true
	close(m.done)
}

// IsFinished reports whether the migration has reached a terminal state,
// returning any failure it ended with.
func (m *Manager) IsFinished() (bool, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return true, m.err
	default:
		return false, nil
	}
}

// BlockUntilFinished blocks the calling goroutine until the migration
// reaches a terminal state, logging a status line every statusInterval.
// A non-positive statusInterval disables the periodic status log.
func (m *Manager) BlockUntilFinished(ctx context.Context, statusInterval time.Duration) error {
	var tick <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	} else {
		tick = make(chan time.Time)
	}
	for {
		select {
		case <-m.done:
			m.mu.Lock()
			err := m.err
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			m.PrintStatus()
		}
	}
}

// PrintStatus logs a single human-readable status line describing the
// current phase.
func (m *Manager) PrintStatus() {
	phase := m.Phase()
	switch phase {
	case "":
		m.logger.Infof("migration not started")
	case realm.StatusMigratingCopy.String():
		m.logger.Infof("copying source data: %d documents copied", m.Inserted())
	case realm.StatusMigratingSync.String():
		m.logger.Infof("syncing oplog: %d documents copied", m.Inserted())
	case realm.StatusPostMigrationPausedAtDestination.String():
		m.logger.Infof("paused at destination, draining final oplog entries")
	case realm.StatusPostMigrationDelete.String():
		m.logger.Infof("deleting source data: %d documents deleted", m.Deleted())
	case realm.StatusAtRest.String():
		m.logger.Infof("migration complete")
	default:
		m.logger.Infof("phase %s", phase)
	}
}
