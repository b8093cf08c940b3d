package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// LedgerRepository handles the append-only cost ledger and monthly budgets
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append inserts one entry. Entries are never updated.
func (r *LedgerRepository) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var collectionID any
	if entry.CollectionID > 0 {
		collectionID = entry.CollectionID
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (principal_id, collection_id, kind, model, prompt_tokens,
			completion_tokens, index_tokens, cost_micros, estimated, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.PrincipalID, collectionID, entry.Kind, entry.Model, entry.PromptTokens,
		entry.CompletionTokens, entry.IndexTokens, entry.CostMicros, entry.Estimated, millis(entry.CreatedAt))
	if err != nil {
		return err
	}

	entry.ID, err = result.LastInsertId()
	return err
}

// SpendSince sums cost_micros of a principal's entries at or after since.
// Under the native strategy the read happens inside a write-locked transaction.
func (r *LedgerRepository) SpendSince(ctx context.Context, principalID int64, since time.Time) (int64, error) {
	var total int64
	read := func(q Querier) error {
		return q.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(cost_micros), 0) FROM ledger_entries
			WHERE principal_id = ? AND created_at_ms >= ?
		`, principalID, millis(since)).Scan(&total)
	}

	if r.db.Strategy() == LockNative {
		err := r.db.WithWriteLock(ctx, read)
		return total, err
	}
	return total, read(r.db)
}

// MonthlyLimit returns the principal's ceiling in micro-USD; ok is false when
// no ceiling is configured.
func (r *LedgerRepository) MonthlyLimit(ctx context.Context, principalID int64) (limit int64, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT monthly_limit_micros FROM budgets WHERE principal_id = ?
	`, principalID).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return limit, true, nil
}

// SetMonthlyLimit upserts the principal's ceiling.
func (r *LedgerRepository) SetMonthlyLimit(ctx context.Context, principalID, limitMicros int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (principal_id, monthly_limit_micros) VALUES (?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET monthly_limit_micros = excluded.monthly_limit_micros
	`, principalID, limitMicros)
	return err
}

// List returns a principal's entries, newest first. kind filters when non-empty.
func (r *LedgerRepository) List(ctx context.Context, principalID int64, kind string) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT id, principal_id, COALESCE(collection_id, 0), kind, model, prompt_tokens,
			completion_tokens, index_tokens, cost_micros, estimated, created_at_ms
		FROM ledger_entries WHERE principal_id = ?`
	args := []any{principalID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		e := &domain.LedgerEntry{}
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.CollectionID, &e.Kind, &e.Model, &e.PromptTokens,
			&e.CompletionTokens, &e.IndexTokens, &e.CostMicros, &e.Estimated, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
