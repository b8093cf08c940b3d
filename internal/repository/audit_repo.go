package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// AuditRepository records administrative actions
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit record.
func (r *AuditRepository) Append(ctx context.Context, record *domain.AuditRecord) error {
	record.CreatedAt = time.Now().UTC()
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_audit_log (principal_id, action, target_type, metadata, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, record.PrincipalID, record.Action, record.TargetType, string(metadataJSON), millis(record.CreatedAt))
	if err != nil {
		return err
	}

	record.ID, err = result.LastInsertId()
	return err
}

// ListByAction returns records for action, newest first.
func (r *AuditRepository) ListByAction(ctx context.Context, action string) ([]*domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal_id, action, target_type, metadata, created_at_ms
		FROM admin_audit_log WHERE action = ? ORDER BY id DESC
	`, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		rec := &domain.AuditRecord{}
		var metadataJSON string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &rec.Action, &rec.TargetType, &metadataJSON, &createdAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" {
			json.Unmarshal([]byte(metadataJSON), &rec.Metadata)
		}
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
