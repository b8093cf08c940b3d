// Package provider talks to the managed file-search generation service.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// Client is the set of provider calls the ingestion worker and the query
// executor depend on.
type Client interface {
	// Upload sends a local file to a file-search store and returns the
	// long-running operation that indexes it.
	Upload(ctx context.Context, storeName, localPath, displayName string) (*UploadResult, error)
	// Poll reads the state of an indexing operation.
	Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error)
	// Generate answers in one response.
	Generate(ctx context.Context, req *GenerateRequest) (*Response, error)
	// GenerateStream answers incrementally. It is never retried internally;
	// callers decide whether a restart is safe.
	GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error)
	// DeleteFile removes an uploaded file. Best effort.
	DeleteFile(ctx context.Context, fileID string) error
}

// Stream yields answer chunks. Next returns io.EOF after the last chunk.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
}

// OperationRef identifies a provider long-running operation.
type OperationRef struct {
	Name string
}

func (r OperationRef) String() string { return r.Name }

// IsZero reports whether the reference is empty.
func (r OperationRef) IsZero() bool { return r.Name == "" }

// ParseOperationRef accepts the provider's two encodings of an operation
// handle: a bare JSON string or an object carrying "name".
func ParseOperationRef(raw []byte) (OperationRef, error) {
	if !gjson.ValidBytes(raw) {
		return OperationRef{}, fmt.Errorf("%w: operation reference is not JSON", ErrRejected)
	}
	v := gjson.ParseBytes(raw)
	switch {
	case v.Type == gjson.String && strings.TrimSpace(v.Str) != "":
		return OperationRef{Name: strings.TrimSpace(v.Str)}, nil
	case v.IsObject():
		if name := v.Get("name"); name.Type == gjson.String && strings.TrimSpace(name.Str) != "" {
			return OperationRef{Name: strings.TrimSpace(name.Str)}, nil
		}
	}
	return OperationRef{}, fmt.Errorf("%w: unrecognised operation reference shape", ErrRejected)
}

// ParseStoredRef reads a persisted reference, which is normally the bare
// name but may be a JSON encoding written by an older worker.
func ParseStoredRef(s string) (OperationRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OperationRef{}, fmt.Errorf("%w: empty operation reference", ErrRejected)
	}
	if s[0] == '{' || s[0] == '"' {
		return ParseOperationRef([]byte(s))
	}
	return OperationRef{Name: s}, nil
}

// UploadResult is the outcome of starting an upload.
type UploadResult struct {
	Operation OperationRef
	FileID    string
}

// OperationStatus is the polled state of an operation. Error is set only
// when the provider confirmed a failure.
type OperationStatus struct {
	Done   bool
	Error  string
	FileID string
}

// Content is one turn of the conversation sent to the model.
type Content struct {
	Role string // user, model
	Text string
}

// GenerateRequest is a grounded generation request.
type GenerateRequest struct {
	Model          string
	StoreNames     []string
	Contents       []Content
	System         string
	MetadataFilter string
}

// Usage is the provider-reported token usage.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Reported         bool
}

// Response is a complete answer.
type Response struct {
	Text         string
	Citations    []domain.Citation
	Usage        Usage
	FinishReason string
}

// Chunk is one increment of a streamed answer. Usage, when reported, is
// cumulative for the stream.
type Chunk struct {
	Text         string
	Citations    []domain.Citation
	Usage        *Usage
	FinishReason string
}
