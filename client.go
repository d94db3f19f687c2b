// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcbridge wires a broker transport, the call coordinator, metrics
// and health checks into a single client.
package rpcbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/health"
	"github.com/glimte/rpcbridge/internal/rabbitmq"
	"github.com/glimte/rpcbridge/internal/reliability"
	"github.com/glimte/rpcbridge/metrics"
	"github.com/glimte/rpcbridge/rpc"
	natsTransport "github.com/glimte/rpcbridge/transports/nats"
	rabbitmqTransport "github.com/glimte/rpcbridge/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// Client provides the main entry point for rpcbridge
type Client struct {
	transport rpc.Transport
	rpc       *rpc.Client
	health    *health.Registry
	collector *metrics.Collector
	logger    *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	timeout        time.Duration
	cleanupTimeout time.Duration
	headers        map[string]interface{}
	registerer     prometheus.Registerer
	kind           string
	amqpOptions    []rabbitmqTransport.TransportOption
	natsOptions    []natsTransport.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTimeout sets the default call deadline. Zero waits forever.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithCleanupTimeout bounds reply queue teardown
func WithCleanupTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.cleanupTimeout = timeout
	}
}

// WithHeaders sets headers added to every request
func WithHeaders(headers map[string]interface{}) ClientOption {
	return func(cfg *clientConfig) {
		cfg.headers = headers
	}
}

// WithMetrics registers call metrics with reg
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithTransport forces the transport kind instead of inferring it from the
// URL scheme
func WithTransport(kind string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.kind = kind
	}
}

// WithAMQPOptions passes options to the RabbitMQ transport
func WithAMQPOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpOptions = append(cfg.amqpOptions, opts...)
	}
}

// WithNATSOptions passes options to the NATS transport
func WithNATSOptions(opts ...natsTransport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.natsOptions = append(cfg.natsOptions, opts...)
	}
}

// Dial connects to the broker named by url and creates a client. nats://
// URLs use NATS unless WithTransport says otherwise; everything else is
// treated as AMQP.
func Dial(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := newConfig(options)

	kind := cfg.kind
	if kind == "" {
		kind = config.TransportAMQP
		if strings.HasPrefix(url, "nats://") {
			kind = config.TransportNATS
		}
	}

	var (
		transport rpc.Transport
		err       error
	)
	switch kind {
	case config.TransportNATS:
		transport, err = natsTransport.NewTransport(ctx, url,
			append([]natsTransport.Option{natsTransport.WithLogger(cfg.logger)}, cfg.natsOptions...)...,
		)
	case config.TransportAMQP:
		transport, err = rabbitmqTransport.NewTransport(ctx, url,
			append([]rabbitmqTransport.TransportOption{rabbitmqTransport.WithLogger(cfg.logger)}, cfg.amqpOptions...)...,
		)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	return client, nil
}

// DialConfig dials the broker described by cfg. Options given here are
// applied after the ones derived from cfg.
func DialConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	base := []ClientOption{
		WithTransport(cfg.Transport),
		WithTimeout(cfg.Timeout),
		WithCleanupTimeout(cfg.CleanupTimeout),
	}

	switch cfg.Transport {
	case config.TransportNATS:
		base = append(base, WithNATSOptions(
			natsTransport.WithName(cfg.NATS.Name),
			natsTransport.WithReconnectWait(cfg.NATS.ReconnectWait),
			natsTransport.WithMaxReconnects(cfg.NATS.MaxReconnects),
		))
	default:
		if cfg.AMQP.BreakerThreshold > 0 {
			base = append(base, WithAMQPOptions(rabbitmqTransport.WithCircuitBreaker(
				reliability.NewCircuitBreaker(
					reliability.WithName("amqp"),
					reliability.WithFailureThreshold(cfg.AMQP.BreakerThreshold),
					reliability.WithTimeout(cfg.AMQP.BreakerTimeout),
				),
			)))
		}
		base = append(base, WithAMQPOptions(
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithReconnectDelay(cfg.AMQP.ReconnectDelay),
				rabbitmq.WithMaxRetries(cfg.AMQP.MaxRetries),
			),
			rabbitmqTransport.WithPoolOptions(rabbitmq.WithMaxSize(cfg.AMQP.PoolSize)),
			rabbitmqTransport.WithPublisherOptions(
				rabbitmq.WithConfirms(cfg.AMQP.Confirm),
				rabbitmq.WithConfirmTimeout(cfg.AMQP.ConfirmTimeout),
			),
		))
	}

	return Dial(ctx, cfg.URL, append(base, options...)...)
}

// NewClient creates a client over an existing transport
func NewClient(transport rpc.Transport, options ...ClientOption) (*Client, error) {
	return newClient(transport, newConfig(options))
}

func newConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		cleanupTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

func newClient(transport rpc.Transport, cfg *clientConfig) (*Client, error) {
	c := &Client{
		transport: transport,
		logger:    cfg.logger,
	}

	observer := rpc.Observer(rpc.NopObserver{})
	if cfg.registerer != nil {
		collector, err := metrics.NewCollector(cfg.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		c.collector = collector
		observer = collector
	}

	client, err := rpc.NewClient(transport,
		rpc.WithLogger(cfg.logger),
		rpc.WithTimeout(cfg.timeout),
		rpc.WithCleanupTimeout(cfg.cleanupTimeout),
		rpc.WithHeaders(cfg.headers),
		rpc.WithObserver(observer),
	)
	if err != nil {
		return nil, err
	}
	c.rpc = client

	c.health = health.NewRegistry(
		health.NewReplyQueueChecker(transport),
		health.NewRuntimeChecker(5000, 20000),
	)
	if source, ok := transport.(health.ConnectionSource); ok {
		c.health.Register(health.NewConnectionChecker(source))
	}
	if guarded, ok := transport.(interface {
		Breaker() *reliability.CircuitBreaker
	}); ok && guarded.Breaker() != nil {
		c.health.Register(breakerChecker(guarded.Breaker()))
	}

	return c, nil
}

// breakerChecker reports an open circuit as degraded. Calls still fail
// fast, but the broker is expected to come back.
func breakerChecker(cb *reliability.CircuitBreaker) health.Checker {
	return health.NewComponentChecker("circuit_breaker", func(ctx context.Context) (health.Status, string, error) {
		state := cb.State()
		if state == reliability.StateClosed {
			return health.StatusHealthy, fmt.Sprintf("Circuit %s is closed", cb.Name()), nil
		}
		return health.StatusDegraded, fmt.Sprintf("Circuit %s is %s", cb.Name(), state), nil
	})
}

// RPC returns the call coordinator
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

// Transport returns the underlying transport
func (c *Client) Transport() rpc.Transport {
	return c.transport
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Metrics returns the metrics collector, or nil when metrics are off
func (c *Client) Metrics() *metrics.Collector {
	return c.collector
}

// Close closes the transport
func (c *Client) Close() error {
	if err := closeTransport(c.transport); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	c.logger.Info("client closed")
	return nil
}

func closeTransport(transport rpc.Transport) error {
	if closer, ok := transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
