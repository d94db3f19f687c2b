package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReplyQueue is the broker queue owned by a single call. It is removed by
// Close, which every call defers right after Open succeeds.
type ReplyQueue struct {
	name           string
	ctx            context.Context
	transport      Transport
	logger         *slog.Logger
	observer       Observer
	cleanupTimeout time.Duration

	mu          sync.Mutex
	consumerTag string
	closeOnce   sync.Once
}

// openReplyQueue declares a fresh exclusive reply queue
func (c *Client) openReplyQueue(ctx context.Context) (*ReplyQueue, error) {
	name, err := c.transport.DeclareReplyQueue(ctx)
	if err != nil {
		return nil, err
	}

	c.observer.ReplyQueueOpened()
	c.logger.Debug("reply queue declared", "queue", name)

	return &ReplyQueue{
		name:           name,
		ctx:            context.WithoutCancel(ctx),
		transport:      c.transport,
		logger:         c.logger,
		observer:       c.observer,
		cleanupTimeout: c.cleanupTimeout,
	}, nil
}

// Name returns the broker-assigned queue name
func (q *ReplyQueue) Name() string {
	return q.name
}

// consume registers handler as the queue's only consumer
func (q *ReplyQueue) consume(ctx context.Context, handler DeliveryHandler) error {
	tag, err := q.transport.Consume(ctx, q.name, handler)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.consumerTag = tag
	q.mu.Unlock()
	return nil
}

// Close cancels the consumer and deletes the queue. Failures are logged and
// reported to the observer, never returned: the call outcome is already
// decided when Close runs.
func (q *ReplyQueue) Close() {
	q.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(q.ctx, q.cleanupTimeout)
		defer cancel()

		q.mu.Lock()
		tag := q.consumerTag
		q.mu.Unlock()

		if tag != "" {
			if err := q.transport.CancelConsumer(ctx, tag); err != nil {
				q.logger.Warn("failed to cancel reply consumer",
					"queue", q.name,
					"consumerTag", tag,
					"error", err,
				)
				q.observer.CleanupFailed(q.name, err)
			}
		}

		if err := q.transport.DeleteQueue(ctx, q.name); err != nil {
			q.logger.Warn("failed to delete reply queue",
				"queue", q.name,
				"error", err,
			)
			q.observer.CleanupFailed(q.name, err)
		} else {
			q.logger.Debug("reply queue deleted", "queue", q.name)
		}

		q.observer.ReplyQueueClosed()
	})
}
