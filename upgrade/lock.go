package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/GoCodeAlone/dbdelta/database"
)

// Lock provides mutual exclusion for upgrade runs against one target.
type Lock interface {
	// Acquire obtains the lock for key. The returned release function must be
	// called to release it.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LockFor returns the lock implementation suited to the dialect.
func LockFor(db *sql.DB, dialect database.Dialect) Lock {
	if dialect == database.Postgres {
		return NewPostgresLock(db)
	}
	return NewLocalLock()
}

// PostgresLock implements Lock using a session level advisory lock. The
// connection holding the lock is pinned until release.
type PostgresLock struct {
	db *sql.DB
}

// NewPostgresLock creates a new PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

// Acquire blocks until the advisory lock for key is granted.
func (l *PostgresLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockID := hashLockKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve connection for advisory lock: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", lockID, err)
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
		_ = conn.Close()
	}
	return release, nil
}

// LocalLock implements Lock within the process. SQLite serialises writers
// through its own file locking, so only in-process exclusion is added. All
// LocalLocks share one semaphore per key.
type LocalLock struct{}

var localLocks sync.Map // key -> chan struct{}

// NewLocalLock creates a new LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// Acquire waits until no other holder of key remains or ctx is done.
func (l *LocalLock) Acquire(ctx context.Context, key string) (func(), error) {
	v, _ := localLocks.LoadOrStore(key, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire local lock %s: %w", key, ctx.Err())
	}
}

// hashLockKey produces a stable int64 from key for pg_advisory_lock (FNV-1a).
func hashLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() >> 1) //nolint:gosec // top bit dropped to stay positive
}
