package domain

import "time"

// Collection groups documents of one principal inside one provider store.
type Collection struct {
	ID          int64     `json:"id"`
	PrincipalID int64     `json:"principal_id"`
	Name        string    `json:"name"`
	StoreName   string    `json:"store_name"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateCollectionRequest is the request to create a collection
type CreateCollectionRequest struct {
	PrincipalID int64  `json:"principal_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	StoreName   string `json:"store_name" binding:"required"`
}

// Stats is the operator overview of ingestion state.
type Stats struct {
	Documents  map[DocumentStatus]int `json:"documents"`
	QueueDepth int                    `json:"queue_depth"`
}
