// Package rabbitmq implements rpc.Transport over RabbitMQ.
//
// Requests are published to the default exchange with the target queue as
// routing key. Reply queues are server-named, exclusive and auto-delete, so
// the broker reclaims them even if the process dies before cleanup.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rpcbridge/internal/rabbitmq"
	"github.com/glimte/rpcbridge/internal/reliability"
	"github.com/glimte/rpcbridge/rpc"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements rpc.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	breaker   *reliability.CircuitBreaker
	durable   bool
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	DurableQueues     bool
	CircuitBreaker    *reliability.CircuitBreaker
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithDurableQueues declares request queues as durable
func WithDurableQueues(durable bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DurableQueues = durable
	}
}

// WithCircuitBreaker guards reply queue declaration and publishing. An open
// circuit fails calls before anything is sent.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.CircuitBreaker = cb
	}
}

// WithLogger sets the logger for the transport and its internals
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to RabbitMQ and creates a new transport
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Caller options come last so they win over the shared logger.
	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)...,
	)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(cfg.Logger)}, cfg.PoolOptions...)...,
	)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)...,
		),
		consumer: rabbitmq.NewConsumer(pool,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)...,
		),
		topology: rabbitmq.NewTopologyManager(pool),
		breaker:  cfg.CircuitBreaker,
		durable:  cfg.DurableQueues,
		logger:   cfg.Logger,
	}, nil
}

// DeclareReplyQueue implements rpc.Transport
func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	var q amqp.Queue
	err := t.guard(ctx, func() error {
		var err error
		q, err = t.topology.DeclareQueue(ctx, rabbitmq.ReplyQueueDeclaration())
		return err
	})
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// DeclareQueue implements rpc.QueueDeclarer
func (t *Transport) DeclareQueue(ctx context.Context, name string) error {
	_, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:    name,
		Durable: t.durable,
	})
	return err
}

// Publish implements rpc.Transport
func (t *Transport) Publish(ctx context.Context, queue string, msg rpc.Message) error {
	return t.guard(ctx, func() error {
		return t.publisher.Publish(ctx, queue, toPublishing(msg))
	})
}

// Consume implements rpc.Transport
func (t *Transport) Consume(ctx context.Context, queue string, handler rpc.DeliveryHandler) (string, error) {
	return t.consumer.Consume(ctx, queue, false, func(d amqp.Delivery) {
		handler(fromDelivery(d))
	})
}

// CancelConsumer implements rpc.Transport
func (t *Transport) CancelConsumer(ctx context.Context, tag string) error {
	return t.consumer.Cancel(ctx, tag)
}

// DeleteQueue implements rpc.Transport
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	_, err := t.topology.DeleteQueue(ctx, name)
	return err
}

// InspectQueue reports a queue's message and consumer counts
func (t *Transport) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	return t.topology.InspectQueue(ctx, name)
}

// GetConnection returns the live AMQP connection
func (t *Transport) GetConnection() (*amqp.Connection, error) {
	return t.manager.GetConnection()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Breaker returns the circuit breaker, or nil when none is configured
func (t *Transport) Breaker() *reliability.CircuitBreaker {
	return t.breaker
}

// AddStateListener registers for connection state changes
func (t *Transport) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.AddStateListener(listener)
}

// Close cancels all consumers and closes the connection
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.consumer.CancelAll(ctx)
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	return t.manager.Close()
}

func (t *Transport) guard(ctx context.Context, fn func() error) error {
	if t.breaker == nil {
		return fn()
	}
	return t.breaker.Execute(ctx, fn)
}

func toPublishing(msg rpc.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		DeliveryMode:  amqp.Transient,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp.Delivery) rpc.Delivery {
	out := rpc.Delivery{
		Body:          d.Body,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Redelivered:   d.Redelivered,
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

var (
	_ rpc.Transport     = (*Transport)(nil)
	_ rpc.QueueDeclarer = (*Transport)(nil)
)
