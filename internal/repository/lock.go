package repository

import (
	"context"
	"fmt"
)

// LockStrategy selects how a read-decide-write sequence on a single row is
// serialised against concurrent workers.
type LockStrategy string

const (
	// LockNative takes SQLite's reserved write lock (BEGIN IMMEDIATE) for the
	// whole sequence.
	LockNative LockStrategy = "native"
	// LockOptimistic reads without a lock and writes with a compare-and-set
	// predicate, retrying on conflict.
	LockOptimistic LockStrategy = "optimistic"
)

const optimisticRetries = 3

func (s LockStrategy) Validate() error {
	switch s {
	case LockNative, LockOptimistic:
		return nil
	}
	return fmt.Errorf("unknown lock strategy %q", s)
}

// WithWriteLock runs fn on a pinned connection inside BEGIN IMMEDIATE.
// fn's error rolls the transaction back.
func (d *DB) WithWriteLock(ctx context.Context, fn func(q Querier) error) (err error) {
	conn, err := d.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			panic(p)
		}
		if err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err = fn(conn); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
