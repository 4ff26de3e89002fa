package database

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockKey derives the 64-bit advisory lock key for a name, e.g.
// "provision|acme|core". FNV-64a, reinterpreted as signed for
// pg_advisory_lock's bigint argument.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// AdvisoryLock is a session-scoped PostgreSQL advisory lock pinned to
// one pooled connection. The lock is held until Release; Release must
// run on every exit path.
type AdvisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// AcquireLock blocks until the advisory lock for name is held. Two
// replicas contending for the same name serialize through the database.
// Cancelling ctx aborts the wait.
func (c *Client) AcquireLock(ctx context.Context, name string) (*AdvisoryLock, error) {
	key := LockKey(name)

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire advisory lock %d: %w", key, err)
	}

	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool. Runs on a
// fresh context so a cancelled request cannot leave the lock held. If
// the unlock itself fails, the connection is destroyed instead of being
// returned, so the session (and with it the lock) dies.
func (l *AdvisoryLock) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		raw := l.conn.Hijack()
		_ = raw.Close(ctx)
		return
	}
	l.conn.Release()
}
