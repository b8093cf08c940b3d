package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending DocumentStatus = "PENDING"
	StatusRunning DocumentStatus = "RUNNING"
	StatusDone    DocumentStatus = "DONE"
	StatusError   DocumentStatus = "ERROR"
)

// CanTransition reports whether from -> to is a legal status move.
// RUNNING -> PENDING is only taken by the watchdog.
func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusDone || to == StatusError || to == StatusPending
	}
	return false
}

// Terminal reports whether no further ingestion work happens in this state.
func (s DocumentStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Document represents an uploaded file tracked through ingestion
type Document struct {
	ID              int64          `json:"id"`
	CollectionID    int64          `json:"collection_id"`
	DisplayName     string         `json:"display_name"`
	SizeBytes       int64          `json:"size_bytes"`
	MimeType        string         `json:"mime_type"`
	Status          DocumentStatus `json:"status"`
	StatusChangedAt time.Time      `json:"status_changed_at"`
	OperationRef    string         `json:"-"`
	ProviderFileID  string         `json:"provider_file_id,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	Deleted         bool           `json:"deleted,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IngestionJob is the durable queue message for one document.
type IngestionJob struct {
	DocumentID        int64  `json:"document_id"`
	CollectionID      int64  `json:"collection_id"`
	LocalArtifactPath string `json:"local_artifact_path"`
}

// Validate rejects malformed jobs; such jobs are never retried.
func (j IngestionJob) Validate() error {
	if j.DocumentID <= 0 {
		return fmt.Errorf("%w: document_id must be positive", ErrInvalidRequest)
	}
	if j.CollectionID <= 0 {
		return fmt.Errorf("%w: collection_id must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(j.LocalArtifactPath) == "" {
		return fmt.Errorf("%w: local_artifact_path is required", ErrInvalidRequest)
	}
	return nil
}

const maxReasonLen = 500

var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`)

// SanitizeReason strips filesystem paths and bounds the length of a
// user-visible failure reason.
func SanitizeReason(reason string) string {
	reason = strings.TrimSpace(pathPattern.ReplaceAllString(reason, "[path]"))
	if reason == "" {
		return "ingestion failed"
	}
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return reason
}
