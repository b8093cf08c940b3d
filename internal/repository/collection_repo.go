package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// CollectionRepository handles collection persistence
type CollectionRepository struct {
	db *DB
}

// NewCollectionRepository creates a new collection repository
func NewCollectionRepository(db *DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

// Create creates a new collection
func (r *CollectionRepository) Create(ctx context.Context, collection *domain.Collection) error {
	collection.CreatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO collections (principal_id, name, store_name, created_at_ms)
		VALUES (?, ?, ?, ?)
	`, collection.PrincipalID, collection.Name, collection.StoreName, millis(collection.CreatedAt))
	if err != nil {
		return err
	}

	collection.ID, err = result.LastInsertId()
	return err
}

// Get retrieves a collection by ID, including soft-deleted ones. It returns
// nil, nil when no row exists.
func (r *CollectionRepository) Get(ctx context.Context, id int64) (*domain.Collection, error) {
	collection := &domain.Collection{ID: id}
	var deletedAt sql.NullInt64
	var createdAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT principal_id, name, store_name, deleted_at_ms, created_at_ms
		FROM collections WHERE id = ?
	`, id).Scan(&collection.PrincipalID, &collection.Name, &collection.StoreName, &deletedAt, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	collection.Deleted = deletedAt.Valid
	collection.CreatedAt = fromMillis(createdAt)
	return collection, nil
}

// ListByPrincipal returns the live collections of one principal.
func (r *CollectionRepository) ListByPrincipal(ctx context.Context, principalID int64) ([]*domain.Collection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, store_name, created_at_ms
		FROM collections WHERE principal_id = ? AND deleted_at_ms IS NULL
		ORDER BY id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collections []*domain.Collection
	for rows.Next() {
		c := &domain.Collection{PrincipalID: principalID}
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Name, &c.StoreName, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(createdAt)
		collections = append(collections, c)
	}

	return collections, rows.Err()
}

// Owns reports whether principalID owns the live collection.
func (r *CollectionRepository) Owns(ctx context.Context, principalID, collectionID int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM collections
		WHERE id = ? AND principal_id = ? AND deleted_at_ms IS NULL
	`, collectionID, principalID).Scan(&n)
	return n > 0, err
}

// Delete soft-deletes a collection; its documents stop being eligible for ingestion.
func (r *CollectionRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE collections SET deleted_at_ms = ? WHERE id = ? AND deleted_at_ms IS NULL
	`, millis(time.Now()), id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}

	return nil
}
