package provider

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/liliang-cn/fsrag/internal/metrics"
)

// Instrumented records one metrics entry per logical call, including the
// attempts a wrapped Retrier made.
type Instrumented struct {
	next     Client
	recorder metrics.Recorder
}

// WithMetrics wraps next so every call is recorded.
func WithMetrics(next Client, recorder metrics.Recorder) *Instrumented {
	return &Instrumented{next: next, recorder: recorder}
}

func (i *Instrumented) record(op string, start time.Time, attempts int32, err error) {
	n := int(attempts)
	if n == 0 {
		n = 1
	}
	i.recorder.RecordCall(op, n, time.Since(start), err)
}

// Upload implements Client.
func (i *Instrumented) Upload(ctx context.Context, storeName, localPath, displayName string) (*UploadResult, error) {
	ctx, n := withAttemptCounter(ctx)
	start := time.Now()
	res, err := i.next.Upload(ctx, storeName, localPath, displayName)
	i.record(metrics.OpUpload, start, n.Load(), err)
	return res, err
}

// Poll implements Client.
func (i *Instrumented) Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error) {
	ctx, n := withAttemptCounter(ctx)
	start := time.Now()
	st, err := i.next.Poll(ctx, ref)
	i.record(metrics.OpPoll, start, n.Load(), err)
	return st, err
}

// Generate implements Client.
func (i *Instrumented) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	ctx, n := withAttemptCounter(ctx)
	start := time.Now()
	resp, err := i.next.Generate(ctx, req)
	i.record(metrics.OpGenerate, start, n.Load(), err)
	if err == nil && resp.Usage.Reported {
		i.recorder.AddTokens(req.Model, "input", resp.Usage.PromptTokens)
		i.recorder.AddTokens(req.Model, "output", resp.Usage.CompletionTokens)
	}
	return resp, err
}

// GenerateStream implements Client. The call is recorded when the stream
// is closed, or immediately when it fails to open.
func (i *Instrumented) GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	start := time.Now()
	s, err := i.next.GenerateStream(ctx, req)
	if err != nil {
		i.record(metrics.OpGenerateStream, start, 1, err)
		return nil, err
	}
	return &instrumentedStream{Stream: s, parent: i, model: req.Model, start: start}, nil
}

// DeleteFile implements Client.
func (i *Instrumented) DeleteFile(ctx context.Context, fileID string) error {
	ctx, n := withAttemptCounter(ctx)
	start := time.Now()
	err := i.next.DeleteFile(ctx, fileID)
	i.record(metrics.OpDeleteFile, start, n.Load(), err)
	return err
}

type instrumentedStream struct {
	Stream
	parent *Instrumented
	model  string
	start  time.Time

	usage   *Usage
	lastErr error
	once    sync.Once
}

func (s *instrumentedStream) Next() (*Chunk, error) {
	c, err := s.Stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		s.lastErr = err
	}
	if c != nil && c.Usage != nil && c.Usage.Reported {
		s.usage = c.Usage
	}
	return c, err
}

func (s *instrumentedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		s.parent.record(metrics.OpGenerateStream, s.start, 1, s.lastErr)
		if s.usage != nil {
			s.parent.recorder.AddTokens(s.model, "input", s.usage.PromptTokens)
			s.parent.recorder.AddTokens(s.model, "output", s.usage.CompletionTokens)
		}
	})
	return err
}
