package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. With manual acks the delivery is
// acked after the handler returns.
type DeliveryHandler func(delivery amqp.Delivery)

// Consumer starts and cancels consumers by tag. Every consumer gets its own
// channel so cancelling one never disturbs another.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	autoAck       bool
	tagPrefix     string
	logger        *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	queue string
	tag   string
	ch    *PooledChannel
	done  chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count used with manual acks
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithTagPrefix sets the prefix of generated consumer tags
func WithTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		autoAck:       true,
		tagPrefix:     "rpcbridge",
		logger:        slog.Default(),
		subs:          make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume starts a consumer on queue and returns its tag. An exclusive
// consumer fails if the queue already has one.
func (c *Consumer) Consume(ctx context.Context, queue string, exclusive bool, handler DeliveryHandler) (string, error) {
	tag := c.tagPrefix + "-" + uuid.New().String()

	ch, err := c.pool.Acquire(ctx)
	if err != nil {
		return "", c.consumerErr(queue, tag, "acquire channel", err)
	}

	if !c.autoAck {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			c.pool.Discard(ch)
			return "", c.consumerErr(queue, tag, "set qos", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		c.autoAck,
		exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return "", c.consumerErr(queue, tag, "consume", err)
	}

	sub := &subscription{
		queue: queue,
		tag:   tag,
		ch:    ch,
		done:  make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[tag] = sub
	c.mu.Unlock()

	go c.process(sub, deliveries, handler)

	c.logger.Debug("consumer started", "queue", queue, "consumerTag", tag)
	return tag, nil
}

func (c *Consumer) process(sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer close(sub.done)

	for d := range deliveries {
		handler(d)
		if c.autoAck {
			continue
		}
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack delivery",
				"queue", sub.queue,
				"consumerTag", sub.tag,
				"error", err,
			)
		}
	}
}

// Cancel stops the consumer with the given tag, waits for its handler to
// return and closes its channel
func (c *Consumer) Cancel(ctx context.Context, tag string) error {
	c.mu.Lock()
	sub, ok := c.subs[tag]
	delete(c.subs, tag)
	c.mu.Unlock()

	if !ok {
		return c.consumerErr("", tag, "cancel", ErrUnknownConsumer)
	}
	defer c.pool.Discard(sub.ch)

	// A closed channel has no consumers left to cancel.
	if !sub.ch.IsClosed() {
		if err := sub.ch.Cancel(tag, false); err != nil && !sub.ch.IsClosed() {
			return c.consumerErr(sub.queue, tag, "cancel", err)
		}
	}

	select {
	case <-sub.done:
	case <-ctx.Done():
		return c.consumerErr(sub.queue, tag, "cancel", ctx.Err())
	}

	c.logger.Debug("consumer cancelled", "queue", sub.queue, "consumerTag", tag)
	return nil
}

// CancelAll stops every consumer
func (c *Consumer) CancelAll(ctx context.Context) {
	c.mu.Lock()
	tags := make([]string, 0, len(c.subs))
	for tag := range c.subs {
		tags = append(tags, tag)
	}
	c.mu.Unlock()

	for _, tag := range tags {
		if err := c.Cancel(ctx, tag); err != nil {
			c.logger.Warn("failed to cancel consumer", "consumerTag", tag, "error", err)
		}
	}
}

// Active returns the number of running consumers
func (c *Consumer) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Consumer) consumerErr(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
