package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// Queue is the durable queue the pool consumes.
type Queue interface {
	Dequeue(ctx context.Context, visibility time.Duration) (*repository.QueueMessage, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, delay time.Duration) error
}

// Handler processes one message. A non-nil error redelivers the message.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte) error
}

// Pool leases ingestion messages and runs them on a bounded set of workers.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     config.IngestionConfig
	workers *ants.Pool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewPool creates a worker pool of cfg.Workers goroutines.
func NewPool(queue Queue, handler Handler, cfg config.IngestionConfig, logger *zap.Logger) (*Pool, error) {
	logger = logger.Named("worker")
	workers, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(v any) {
		logger.Error("worker panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		workers: workers,
		logger:  logger,
	}, nil
}

// Run dequeues until ctx is cancelled, then waits for in-flight messages and
// releases the workers. Cancelling ctx also cancels the running handlers;
// their messages are made available again immediately.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("visibility", p.cfg.VisibilityTimeout),
	)
	defer func() {
		p.wg.Wait()
		p.workers.Release()
		p.logger.Info("worker pool stopped")
	}()

	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}

		for p.workers.Free() > 0 && ctx.Err() == nil {
			msg, err := p.queue.Dequeue(ctx, p.cfg.VisibilityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to dequeue", zap.Error(err))
				}
				break
			}
			if msg == nil {
				break
			}
			if err := p.submit(ctx, msg); err != nil {
				return err
			}
		}
		idle.Reset(p.cfg.QueuePollInterval)
	}
}

func (p *Pool) submit(ctx context.Context, msg *repository.QueueMessage) error {
	p.wg.Add(1)
	err := p.workers.Submit(func() {
		defer p.wg.Done()
		p.handle(ctx, msg)
	})
	if err != nil {
		p.wg.Done()
		p.settle(ctx, msg, err)
		return fmt.Errorf("submit message %s: %w", msg.ID, err)
	}
	return nil
}

func (p *Pool) handle(ctx context.Context, msg *repository.QueueMessage) {
	start := time.Now()
	err := p.handler.HandleMessage(ctx, msg.Payload)
	p.settle(ctx, msg, err)
	p.logger.Debug("message handled",
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
}

// settle acks a handled message or schedules its redelivery.
func (p *Pool) settle(ctx context.Context, msg *repository.QueueMessage, err error) {
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		if err := p.queue.Ack(wctx, msg.ID); err != nil {
			p.logger.Error("failed to ack message", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return
	}

	delay := p.cfg.RedeliveryDelay
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		delay = 0
	} else {
		p.logger.Warn("message will be redelivered",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", msg.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	if err := p.queue.Nack(wctx, msg.ID, delay); err != nil {
		p.logger.Error("failed to nack message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
