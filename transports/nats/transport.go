// Package nats implements rpc.Transport over core NATS.
//
// NATS has no queues to declare or delete: a reply queue is a fresh inbox
// subject that only exists while it is subscribed. Request subjects are
// consumed through a queue group so that several responders share the load.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/rpc"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// HeaderCorrelationID carries rpc.Message.CorrelationID
	HeaderCorrelationID = "Rpc-Correlation-Id"
	// HeaderContentType carries rpc.Message.ContentType
	HeaderContentType = "Content-Type"
)

var (
	ErrUnknownConsumer = errors.New("nats: unknown consumer tag")
	ErrNotConnected    = errors.New("nats: not connected")
)

// Transport implements rpc.Transport for NATS
type Transport struct {
	conn       *nats.Conn
	queueGroup string
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

type config struct {
	name          string
	reconnectWait time.Duration
	maxReconnects int
	timeout       time.Duration
	queueGroup    string
	logger        *slog.Logger
}

// Option configures the transport
type Option func(*config)

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithReconnectWait sets the delay between reconnect attempts
func WithReconnectWait(wait time.Duration) Option {
	return func(c *config) {
		c.reconnectWait = wait
	}
}

// WithMaxReconnects sets the reconnect attempt limit; negative retries forever
func WithMaxReconnects(n int) Option {
	return func(c *config) {
		c.maxReconnects = n
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// WithQueueGroup sets the queue group used for request subjects
func WithQueueGroup(group string) Option {
	return func(c *config) {
		c.queueGroup = group
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// NewTransport connects to NATS and creates a new transport
func NewTransport(ctx context.Context, url string, options ...Option) (*Transport, error) {
	cfg := &config{
		name:          "rpcbridge",
		reconnectWait: 2 * time.Second,
		maxReconnects: 60,
		timeout:       5 * time.Second,
		queueGroup:    "rpcbridge",
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := cfg.logger
	conn, err := nats.Connect(url,
		nats.Name(cfg.name),
		nats.ReconnectWait(cfg.reconnectWait),
		nats.MaxReconnects(cfg.maxReconnects),
		nats.Timeout(cfg.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	logger.Info("connected to NATS", "url", conn.ConnectedUrlRedacted())
	return &Transport{
		conn:       conn,
		queueGroup: cfg.queueGroup,
		logger:     logger,
		subs:       make(map[string]*nats.Subscription),
	}, nil
}

// DeclareReplyQueue implements rpc.Transport by allocating an inbox subject
func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.conn.IsConnected() {
		return "", ErrNotConnected
	}
	return nats.NewInbox(), nil
}

// Publish implements rpc.Transport
func (t *Transport) Publish(ctx context.Context, subject string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.PublishMsg(toMsg(subject, msg)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Consume implements rpc.Transport. Inbox subjects get a plain subscription;
// anything else joins the queue group.
func (t *Transport) Consume(ctx context.Context, subject string, handler rpc.DeliveryHandler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cb := func(m *nats.Msg) {
		handler(fromMsg(m))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if strings.HasPrefix(subject, nats.InboxPrefix) {
		sub, err = t.conn.Subscribe(subject, cb)
	} else {
		sub, err = t.conn.QueueSubscribe(subject, t.queueGroup, cb)
	}
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	// The server must know the subscription before a request can be answered.
	if err := t.flush(ctx); err != nil {
		sub.Unsubscribe()
		return "", fmt.Errorf("failed to register subscription on %s: %w", subject, err)
	}

	tag := uuid.New().String()
	t.mu.Lock()
	t.subs[tag] = sub
	t.mu.Unlock()

	t.logger.Debug("subscribed", "subject", subject, "consumerTag", tag)
	return tag, nil
}

// CancelConsumer implements rpc.Transport
func (t *Transport) CancelConsumer(ctx context.Context, tag string) error {
	t.mu.Lock()
	sub, ok := t.subs[tag]
	delete(t.subs, tag)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// DeleteQueue implements rpc.Transport. Subjects vanish with their last
// subscription, so there is nothing to delete.
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.conn.IsConnected()
}

// RTT measures the round trip time to the server
func (t *Transport) RTT() (time.Duration, error) {
	return t.conn.RTT()
}

// Close unsubscribes everything and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	for tag, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("failed to unsubscribe", "consumerTag", tag, "error", err)
		}
		delete(t.subs, tag)
	}
	t.mu.Unlock()

	t.conn.Close()
	return nil
}

func (t *Transport) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return t.conn.FlushWithContext(ctx)
	}
	return t.conn.FlushTimeout(5 * time.Second)
}

func toMsg(subject string, msg rpc.Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Body
	m.Reply = msg.ReplyTo

	for k, v := range msg.Headers {
		m.Header.Set(k, fmt.Sprint(v))
	}
	if msg.CorrelationID != "" {
		m.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	if msg.ContentType != "" {
		m.Header.Set(HeaderContentType, msg.ContentType)
	}
	return m
}

func fromMsg(m *nats.Msg) rpc.Delivery {
	d := rpc.Delivery{
		Body:    m.Data,
		ReplyTo: m.Reply,
	}
	if len(m.Header) == 0 {
		return d
	}

	d.CorrelationID = m.Header.Get(HeaderCorrelationID)
	d.ContentType = m.Header.Get(HeaderContentType)
	for k := range m.Header {
		if k == HeaderCorrelationID || k == HeaderContentType {
			continue
		}
		if d.Headers == nil {
			d.Headers = make(map[string]interface{}, len(m.Header))
		}
		d.Headers[k] = m.Header.Get(k)
	}
	return d
}

var _ rpc.Transport = (*Transport)(nil)
