package database

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
)

// SymbolLockKey derives the advisory-lock key for a (symbol, exchange) pair.
// The hash must be stable across processes: two processes hashing the same
// pair always contend for the same lock.
func SymbolLockKey(symbol, exchange string) int64 {
	return int64(xxhash.Sum64String(symbol + ":" + exchange))
}

// WithSymbolLock runs fn inside a transaction holding the advisory lock for
// (symbol, exchange). pg_advisory_xact_lock releases automatically on commit
// or rollback, so the lock scope is exactly the transaction scope. Callers
// must not perform exchange round-trips inside fn; the lock covers only
// database work so a slow exchange cannot starve other symbols.
func (db *DB) WithSymbolLock(ctx context.Context, symbol, exchange string, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	key := SymbolLockKey(symbol, exchange)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock for %s:%s: %w", symbol, exchange, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
