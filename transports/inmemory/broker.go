// Package inmemory provides an in-process broker implementing rpc.Transport.
//
// It follows the default-exchange semantics of an AMQP broker closely enough
// to exercise the call lifecycle without a server: queues are addressed by
// name, server-named queues are exclusive and auto-delete, and messages
// published to a queue without a consumer wait in its backlog. Faults can be
// injected per operation and Stats exposes queue accounting for leak checks.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rpcbridge/rpc"
	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("inmemory: broker is closed")
	ErrQueueNotFound = errors.New("inmemory: queue not found")
	ErrQueueInUse    = errors.New("inmemory: queue already has a consumer")
	ErrNoRoute       = errors.New("inmemory: no route to queue")
	ErrUnknownTag    = errors.New("inmemory: unknown consumer tag")
)

// Operation names a broker operation for fault injection
type Operation string

const (
	OpDeclare Operation = "declare"
	OpPublish Operation = "publish"
	OpConsume Operation = "consume"
	OpCancel  Operation = "cancel"
	OpDelete  Operation = "delete"
)

// Stats is a snapshot of broker accounting
type Stats struct {
	Declared    int // Server-named queues declared
	DeleteCalls int // DeleteQueue invocations
	Queues      int // Queues currently present
	Consumers   int // Consumers currently registered
	Published   int // Messages accepted by Publish
	Dropped     int // Messages published to a missing queue
}

type queue struct {
	name       string
	exclusive  bool
	autoDelete bool
	consumer   *consumer
	backlog    []rpc.Delivery
}

type consumer struct {
	tag        string
	queue      string
	handler    rpc.DeliveryHandler
	deliveries chan rpc.Delivery
	done       chan struct{}
}

// Broker is an in-process message broker
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	consumers     map[string]*consumer
	faults        map[Operation]error
	stats         Stats
	strictRouting bool
	bufferSize    int
	closed        bool
	logger        *slog.Logger
	wg            sync.WaitGroup
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithStrictRouting makes Publish fail with ErrNoRoute for missing queues
// instead of dropping the message
func WithStrictRouting(strict bool) Option {
	return func(b *Broker) {
		b.strictRouting = strict
	}
}

// WithBufferSize sets the per-consumer delivery buffer
func WithBufferSize(size int) Option {
	return func(b *Broker) {
		b.bufferSize = size
	}
}

// NewBroker creates a new broker
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		queues:     make(map[string]*queue),
		consumers:  make(map[string]*consumer),
		faults:     make(map[Operation]error),
		bufferSize: 128,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// InjectFault makes every subsequent op fail with err; a nil err clears it
func (b *Broker) InjectFault(op Operation, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.faults, op)
		return
	}
	b.faults[op] = err
}

// Stats returns a snapshot of broker accounting
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Queues = len(b.queues)
	s.Consumers = len(b.consumers)
	return s
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]
	return ok
}

// DeclareReplyQueue declares a server-named, exclusive, auto-delete queue
func (b *Broker) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpDeclare); err != nil {
		return "", err
	}

	name := "amq.gen-" + uuid.New().String()
	b.queues[name] = &queue{name: name, exclusive: true, autoDelete: true}
	b.stats.Declared++
	return name, nil
}

// DeclareQueue declares a named, shared queue. Declaring an existing queue
// is a no-op.
func (b *Broker) DeclareQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpDeclare); err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name}
	}
	return nil
}

// Publish routes msg to the named queue
func (b *Broker) Publish(ctx context.Context, name string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delivery := rpc.Delivery{
		Body:          append([]byte(nil), msg.Body...),
		ReplyTo:       msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		ContentType:   msg.ContentType,
		Headers:       copyHeaders(msg.Headers),
	}

	b.mu.Lock()
	if err := b.check(OpPublish); err != nil {
		b.mu.Unlock()
		return err
	}

	q, ok := b.queues[name]
	if !ok {
		b.stats.Dropped++
		b.mu.Unlock()
		if b.strictRouting {
			return fmt.Errorf("%w: %s", ErrNoRoute, name)
		}
		b.logger.Debug("dropping unroutable message", "queue", name)
		return nil
	}

	b.stats.Published++
	c := q.consumer
	if c == nil {
		q.backlog = append(q.backlog, delivery)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case c.deliveries <- delivery:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume registers handler as the queue's consumer
func (b *Broker) Consume(ctx context.Context, name string, handler rpc.DeliveryHandler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpConsume); err != nil {
		return "", err
	}

	q, ok := b.queues[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if q.consumer != nil {
		return "", fmt.Errorf("%w: %s", ErrQueueInUse, name)
	}

	c := &consumer{
		tag:        "ctag-" + uuid.New().String(),
		queue:      name,
		handler:    handler,
		deliveries: make(chan rpc.Delivery, b.bufferSize),
		done:       make(chan struct{}),
	}
	backlog := q.backlog
	q.backlog = nil
	q.consumer = c
	b.consumers[c.tag] = c

	b.wg.Add(1)
	go b.dispatch(c, backlog)

	return c.tag, nil
}

// CancelConsumer stops a consumer. Auto-delete queues are removed with
// their consumer.
func (b *Broker) CancelConsumer(ctx context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpCancel); err != nil {
		return err
	}

	c, ok := b.consumers[tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	b.stopConsumer(c)

	if q, ok := b.queues[c.queue]; ok && q.autoDelete {
		delete(b.queues, c.queue)
	}
	return nil
}

// DeleteQueue removes a queue and its consumer. Deleting a missing queue
// succeeds, as with RabbitMQ.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.DeleteCalls++
	if err := b.check(OpDelete); err != nil {
		return err
	}

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	if q.consumer != nil {
		b.stopConsumer(q.consumer)
	}
	delete(b.queues, name)
	return nil
}

// Close stops every consumer and waits for their handlers to return
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, c := range b.consumers {
		b.stopConsumer(c)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) dispatch(c *consumer, backlog []rpc.Delivery) {
	defer b.wg.Done()

	for _, d := range backlog {
		select {
		case <-c.done:
			return
		default:
		}
		c.handler(d)
	}

	for {
		select {
		case <-c.done:
			return
		case d := <-c.deliveries:
			c.handler(d)
		}
	}
}

// stopConsumer must be called with b.mu held
func (b *Broker) stopConsumer(c *consumer) {
	if _, ok := b.consumers[c.tag]; !ok {
		return
	}
	close(c.done)
	delete(b.consumers, c.tag)
	if q, ok := b.queues[c.queue]; ok && q.consumer == c {
		q.consumer = nil
	}
}

// check must be called with b.mu held
func (b *Broker) check(op Operation) error {
	if b.closed {
		return ErrClosed
	}
	if err, ok := b.faults[op]; ok {
		return err
	}
	return nil
}

func copyHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return nil
	}
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var (
	_ rpc.Transport     = (*Broker)(nil)
	_ rpc.QueueDeclarer = (*Broker)(nil)
)
