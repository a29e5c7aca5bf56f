package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"raffle-core/internal/apperr"
	"raffle-core/internal/store"
)

// dialect supplies the per-raffle lock primitive of each backend.
type dialect interface {
	// lock takes the raffle's exclusive lock for the rest of tx, or
	// returns store.ErrBusy without waiting.
	lock(ctx context.Context, tx *sqlx.Tx, raffleID string) error
	// busy reports whether err means the lock or database was contended.
	busy(err error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect{}, nil
	case "libsql", "sqlite3":
		return libsqlDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

// postgresDialect uses a transaction-scoped advisory lock keyed by the raffle id.
type postgresDialect struct{}

func (d postgresDialect) lock(ctx context.Context, tx *sqlx.Tx, raffleID string) error {
	var acquired bool
	err := tx.GetContext(ctx, &acquired, tx.Rebind(`SELECT pg_try_advisory_xact_lock(hashtext(?))`), raffleID)
	if err != nil {
		if d.busy(err) {
			return store.ErrBusy
		}
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return store.ErrBusy
	}
	return nil
}

func (postgresDialect) busy(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "55P03", // lock_not_available
		"40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

// libsqlDialect takes SQLite's write lock by bumping the raffle's
// lock_version as the first statement. SQLite serializes writers, so a
// competing section surfaces as SQLITE_BUSY. The write lock covers the
// whole database, so sections for different raffles also serialize.
type libsqlDialect struct{}

func (d libsqlDialect) lock(ctx context.Context, tx *sqlx.Tx, raffleID string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE raffles SET lock_version = lock_version + 1 WHERE id = ?`), raffleID)
	if err != nil {
		if d.busy(err) {
			return store.ErrBusy
		}
		return fmt.Errorf("raffle lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &apperr.StoreResponseError{Op: "raffle lock", Detail: err.Error()}
	}
	if n == 0 {
		return fmt.Errorf("raffle %s: %w", raffleID, apperr.ErrNotFound)
	}
	return nil
}

func (libsqlDialect) busy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is busy")
}
