package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to queues through the default exchange. A publish is
// attempted once: requests must not be duplicated behind the caller's back.
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms waits for a broker ack on every publish
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets how long to wait for a confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to queue
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.publishErr(queue, msg, err)
	}

	if err := p.publish(ctx, ch, queue, msg); err != nil {
		// The channel may hold a late confirm or be closed; do not reuse it.
		p.pool.Discard(ch)
		return p.publishErr(queue, msg, err)
	}

	p.pool.Put(ch)
	return nil
}

func (p *Publisher) publish(ctx context.Context, ch *PooledChannel, queue string, msg amqp.Publishing) error {
	var confirms <-chan amqp.Confirmation
	if p.confirm {
		var err error
		if confirms, err = ch.EnableConfirms(); err != nil {
			return err
		}
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return err
	}
	if confirms == nil {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return ErrConnectionClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) publishErr(queue string, msg amqp.Publishing, err error) error {
	p.logger.Debug("publish failed", "queue", queue, "correlationId", msg.CorrelationId, "error", err)
	return &PublishError{
		Queue:         queue,
		CorrelationID: msg.CorrelationId,
		Err:           err,
		Timestamp:     time.Now(),
	}
}
