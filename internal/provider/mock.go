package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// MockClient is an offline Client used when provider.mock_mode is set.
// Operations complete on the first poll.
type MockClient struct {
	mu  sync.Mutex
	ops map[string]string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{ops: make(map[string]string)}
}

// Upload implements Client.
func (m *MockClient) Upload(ctx context.Context, storeName, localPath, displayName string) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	fileID := fmt.Sprintf("%s/documents/%s", storeName, id)
	name := fmt.Sprintf("%s/operations/%s", storeName, id)

	m.mu.Lock()
	m.ops[name] = fileID
	m.mu.Unlock()

	return &UploadResult{Operation: OperationRef{Name: name}, FileID: fileID}, nil
}

// Poll implements Client.
func (m *MockClient) Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fileID, ok := m.ops[ref.Name]
	m.mu.Unlock()
	if !ok {
		return nil, &Error{Op: "poll", StatusCode: 404, Kind: ErrOperationNotFound}
	}
	return &OperationStatus{Done: true, FileID: fileID}, nil
}

func (m *MockClient) answer(req *GenerateRequest) (string, []domain.Citation) {
	question := ""
	if len(req.Contents) > 0 {
		question = req.Contents[len(req.Contents)-1].Text
	}
	text := fmt.Sprintf("[mock-mode] grounded answer for %q from %d store(s).",
		truncateRunes(question, 80), len(req.StoreNames))
	store := strings.Join(req.StoreNames, ",")
	return text, []domain.Citation{{
		SourceID: "cit-0",
		Title:    "Mock source",
		Snippet:  "mock snippet",
		URI:      "mock://source/0",
		Store:    store,
	}}
}

func mockUsage(req *GenerateRequest, text string) *Usage {
	var in int64
	for _, c := range req.Contents {
		in += int64(len(c.Text)/4 + 1)
	}
	return &Usage{PromptTokens: in, CompletionTokens: int64(len(text)/4 + 1), Reported: true}
}

// Generate implements Client.
func (m *MockClient) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, cites := m.answer(req)
	return &Response{Text: text, Citations: cites, Usage: *mockUsage(req, text), FinishReason: "STOP"}, nil
}

// GenerateStream implements Client. The answer arrives in two chunks.
func (m *MockClient) GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, cites := m.answer(req)
	r := []rune(text)
	half := len(r) / 2
	return &sliceStream{ctx: ctx, chunks: []*Chunk{
		{Text: string(r[:half])},
		{Text: string(r[half:]), Citations: cites, Usage: mockUsage(req, text), FinishReason: "STOP"},
	}}, nil
}

// DeleteFile implements Client.
func (m *MockClient) DeleteFile(ctx context.Context, fileID string) error {
	return ctx.Err()
}

// sliceStream replays fixed chunks.
type sliceStream struct {
	ctx    context.Context
	chunks []*Chunk
	closed bool
}

func (s *sliceStream) Next() (*Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
