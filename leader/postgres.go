package leader

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
)

// PostgresLocker takes session-level advisory locks. Each lock pins its own
// *sql.Conn because advisory locks belong to the session that took them.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) (*PostgresLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("leader: sql db is required")
	}
	return &PostgresLocker{db: db}, nil
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, key string) (Handle, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("leader: lock key is required")
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("leader: reserve connection: %w", err)
	}
	id := LockID(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		// The server may have granted the lock before the error.
		discard(conn)
		return nil, false, fmt.Errorf("leader: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return &postgresHandle{conn: conn, id: id}, true, nil
}

type postgresHandle struct {
	conn *sql.Conn
	id   int64
}

// Release unlocks and returns the connection to the pool. If the unlock
// statement fails the session is discarded instead, since only closing the
// physical connection makes the server drop its advisory locks.
func (h *postgresHandle) Release(ctx context.Context) error {
	if h.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		h.conn = nil
	}()
	var released bool
	if err := h.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, h.id).Scan(&released); err != nil {
		discard(h.conn)
		return fmt.Errorf("leader: pg_advisory_unlock: %w", err)
	}
	if closeErr := h.conn.Close(); closeErr != nil {
		return fmt.Errorf("leader: close lock connection: %w", closeErr)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// discard marks the pooled session bad so database/sql closes it rather than
// handing it to the next caller.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
