package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/metrics"
)

// flakyClient fails the first failures calls of every unary method with err.
type flakyClient struct {
	MockClient
	failures int
	err      error
	calls    int
}

func (f *flakyClient) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyClient) Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &OperationStatus{Done: true}, nil
}

func (f *flakyClient) GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &sliceStream{ctx: ctx, chunks: []*Chunk{{Text: "x", Usage: &Usage{PromptTokens: 4, CompletionTokens: 1, Reported: true}}}}, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func unavailable() error { return &Error{Op: "poll", StatusCode: 503, Kind: ErrUnavailable} }

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	fc := &flakyClient{failures: 2, err: unavailable()}
	r := WithRetry(fc, fastPolicy(), zap.NewNop())

	st, err := r.Poll(context.Background(), OperationRef{Name: "ops/1"})
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, 3, fc.calls)
}

func TestRetrier_GivesUpAfterMaxAttempts(t *testing.T) {
	fc := &flakyClient{failures: 10, err: unavailable()}
	r := WithRetry(fc, fastPolicy(), zap.NewNop())

	_, err := r.Poll(context.Background(), OperationRef{Name: "ops/1"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, fc.calls)
}

func TestRetrier_DoesNotRetryRejected(t *testing.T) {
	fc := &flakyClient{failures: 10, err: &Error{Op: "poll", StatusCode: 400, Kind: ErrRejected}}
	r := WithRetry(fc, fastPolicy(), zap.NewNop())

	_, err := r.Poll(context.Background(), OperationRef{Name: "ops/1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, fc.calls)
}

func TestRetrier_StopsOnCancel(t *testing.T) {
	fc := &flakyClient{failures: 10, err: unavailable()}
	policy := fastPolicy()
	policy.InitialDelay = time.Hour
	policy.MaxDelay = time.Hour
	r := WithRetry(fc, policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Poll(ctx, OperationRef{Name: "ops/1"})
	require.Error(t, err)
	assert.Equal(t, 1, fc.calls)
}

func TestRetrier_StreamNotRetried(t *testing.T) {
	fc := &flakyClient{failures: 1, err: unavailable()}
	r := WithRetry(fc, fastPolicy(), zap.NewNop())

	_, err := r.GenerateStream(context.Background(), &GenerateRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, fc.calls)
}

func TestRateLimitBackOffFloor(t *testing.T) {
	limited := true
	b := RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, RateLimitDelay: time.Second}.backOff(&limited)
	assert.Equal(t, time.Second, b.NextBackOff())

	limited = false
	assert.Less(t, b.NextBackOff(), time.Second)
}

func TestInstrumented_RecordsAttempts(t *testing.T) {
	collector := metrics.NewCollector()
	fc := &flakyClient{failures: 2, err: unavailable()}
	c := WithMetrics(WithRetry(fc, fastPolicy(), zap.NewNop()), collector)

	_, err := c.Poll(context.Background(), OperationRef{Name: "ops/1"})
	require.NoError(t, err)

	m, ok := collector.Call(metrics.OpPoll)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Calls)
	assert.Equal(t, int64(3), m.Attempts)
	assert.Equal(t, int64(0), m.Failures)
}

func TestInstrumented_StreamRecordedOnClose(t *testing.T) {
	collector := metrics.NewCollector()
	c := WithMetrics(&flakyClient{}, collector)

	s, err := c.GenerateStream(context.Background(), &GenerateRequest{Model: "m"})
	require.NoError(t, err)
	_, ok := collector.Call(metrics.OpGenerateStream)
	assert.False(t, ok)

	for {
		if _, err := s.Next(); errors.Is(err, io.EOF) {
			break
		}
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	m, ok := collector.Call(metrics.OpGenerateStream)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Calls)
	assert.Equal(t, int64(4), collector.Tokens("m", "input"))
	assert.Equal(t, int64(1), collector.Tokens("m", "output"))
}

func TestMockClient_RoundTrip(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	up, err := m.Upload(ctx, "stores/a", "/tmp/x.pdf", "x.pdf")
	require.NoError(t, err)

	st, err := m.Poll(ctx, up.Operation)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, up.FileID, st.FileID)

	_, err = m.Poll(ctx, OperationRef{Name: "unknown"})
	assert.ErrorIs(t, err, ErrOperationNotFound)

	s, err := m.GenerateStream(ctx, &GenerateRequest{Model: "m", StoreNames: []string{"stores/a"}, Contents: []Content{{Text: "why?"}}})
	require.NoError(t, err)
	var text string
	var last *Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += c.Text
		last = c
	}
	assert.Contains(t, text, "[mock-mode]")
	require.NotNil(t, last)
	assert.Len(t, last.Citations, 1)
	assert.True(t, last.Usage.Reported)
}
