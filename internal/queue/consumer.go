package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one leased message. Handlers own acking: they must
// resolve every message through Ack (directly or after republish) and keep
// domain errors internal. A returned error is an infrastructure failure; the
// consumer parks the message and moves on.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls the function
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Consumer runs a pool of workers polling one named queue. Prefetch is
// bounded by the pool size: each worker holds at most one lease.
type Consumer struct {
	manager      *Manager
	queue        string
	handler      Handler
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewConsumer builds a consumer pool for a queue
func NewConsumer(manager *Manager, queue string, handler Handler, workers int, pollInterval time.Duration) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	return &Consumer{
		manager:      manager,
		queue:        queue,
		handler:      handler,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       slog.Default().With("component", "queue-consumer", "queue", queue),
	}
}

// Run blocks until the context is cancelled, pulling messages with the
// worker pool. Storage errors put the worker into a fixed-delay retry loop
// rather than killing the pool.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer starting", "workers", c.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		workerID := i
		g.Go(func() error {
			return c.worker(gctx, workerID)
		})
	}

	err := g.Wait()
	c.logger.Info("consumer stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c *Consumer) worker(ctx context.Context, workerID int) error {
	logger := c.logger.With("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.manager.Receive(ctx, c.queue)
		if err != nil {
			logger.Error("receive failed, backing off", "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}

		if msg == nil {
			if !sleepCtx(ctx, c.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		c.process(ctx, logger, msg)
	}
}

// process runs the handler with panic containment. A handler that panics or
// errors has its message parked; everything else is the handler's job,
// including the ack.
func (c *Consumer) process(ctx context.Context, logger *slog.Logger, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				"message_id", msg.ID,
				"email_id", msg.Payload.EmailID,
				"panic", r)
			if err := c.manager.Park(ctx, msg, fmt.Sprintf("panic: %v", r)); err != nil {
				logger.Error("failed to park message after panic", "message_id", msg.ID, "error", err)
			}
		}
	}()

	if err := c.handler.Handle(ctx, msg); err != nil {
		logger.Error("handler failed",
			"message_id", msg.ID,
			"email_id", msg.Payload.EmailID,
			"error", err)
		if parkErr := c.manager.Park(ctx, msg, err.Error()); parkErr != nil {
			logger.Error("failed to park message", "message_id", msg.ID, "error", parkErr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
