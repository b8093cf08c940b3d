package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy controls bounded retry of unary provider calls.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RateLimitDelay is the minimum wait after a rate-limit response.
	RateLimitDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, capped at 20s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       20 * time.Second,
		RateLimitDelay: 5 * time.Second,
	}
}

func (p RetryPolicy) backOff(rateLimited *bool) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return &rateLimitBackOff{BackOff: b, floor: p.RateLimitDelay, limited: rateLimited}
}

// rateLimitBackOff raises the delay to floor after a rate-limit response.
type rateLimitBackOff struct {
	backoff.BackOff
	floor   time.Duration
	limited *bool
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d != backoff.Stop && *b.limited && d < b.floor {
		d = b.floor
	}
	return d
}

// Retrier retries transient failures of Upload, Poll, Generate and
// DeleteFile. GenerateStream passes through untouched.
type Retrier struct {
	next   Client
	policy RetryPolicy
	logger *zap.Logger
}

// WithRetry wraps next with bounded retry.
func WithRetry(next Client, policy RetryPolicy, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{next: next, policy: policy, logger: logger.Named("retry")}
}

func (r *Retrier) run(ctx context.Context, op string, fn func() error) error {
	var rateLimited bool
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(r.policy.backOff(&rateLimited), uint64(r.policy.MaxAttempts-1)),
		ctx,
	)

	return backoff.Retry(func() error {
		attempt++
		countAttempt(ctx)
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		rateLimited = IsRateLimited(err)
		if attempt < r.policy.MaxAttempts {
			fields := append([]zap.Field{zap.String("op", op), zap.Int("attempt", attempt)}, RedactedFields(err)...)
			r.logger.Warn("retrying provider call", fields...)
		}
		return err
	}, b)
}

// Upload implements Client.
func (r *Retrier) Upload(ctx context.Context, storeName, localPath, displayName string) (*UploadResult, error) {
	var res *UploadResult
	err := r.run(ctx, "upload", func() (err error) {
		res, err = r.next.Upload(ctx, storeName, localPath, displayName)
		return err
	})
	return res, err
}

// Poll implements Client.
func (r *Retrier) Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error) {
	var st *OperationStatus
	err := r.run(ctx, "poll", func() (err error) {
		st, err = r.next.Poll(ctx, ref)
		return err
	})
	return st, err
}

// Generate implements Client.
func (r *Retrier) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	var resp *Response
	err := r.run(ctx, "generate", func() (err error) {
		resp, err = r.next.Generate(ctx, req)
		return err
	})
	return resp, err
}

// GenerateStream implements Client.
func (r *Retrier) GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	countAttempt(ctx)
	return r.next.GenerateStream(ctx, req)
}

// DeleteFile implements Client.
func (r *Retrier) DeleteFile(ctx context.Context, fileID string) error {
	return r.run(ctx, "delete_file", func() error {
		return r.next.DeleteFile(ctx, fileID)
	})
}

type attemptsKey struct{}

// withAttemptCounter returns a context in which Retrier counts attempts.
func withAttemptCounter(ctx context.Context) (context.Context, *atomic.Int32) {
	n := &atomic.Int32{}
	return context.WithValue(ctx, attemptsKey{}, n), n
}

func countAttempt(ctx context.Context) {
	if n, ok := ctx.Value(attemptsKey{}).(*atomic.Int32); ok {
		n.Add(1)
	}
}
