package rpc

import (
	"log/slog"
	"time"
)

// Client creates calls over a shared Transport. It holds no per-call state.
type Client struct {
	transport      Transport
	logger         *slog.Logger
	observer       Observer
	timeout        time.Duration
	cleanupTimeout time.Duration
	headers        map[string]interface{}
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the default deadline for every call. Zero waits forever.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithCleanupTimeout bounds reply queue teardown after a call resolves
func WithCleanupTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.cleanupTimeout = timeout
	}
}

// WithObserver sets the lifecycle observer
func WithObserver(observer Observer) ClientOption {
	return func(c *Client) {
		c.observer = observer
	}
}

// WithHeaders sets headers added to every request
func WithHeaders(headers map[string]interface{}) ClientOption {
	return func(c *Client) {
		c.headers = headers
	}
}

// NewClient creates a new client
func NewClient(transport Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	c := &Client{
		transport:      transport,
		logger:         slog.Default(),
		observer:       NopObserver{},
		cleanupTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	if c.cleanupTimeout <= 0 {
		c.cleanupTimeout = 5 * time.Second
	}

	return c, nil
}

// Transport returns the underlying transport
func (c *Client) Transport() Transport {
	return c.transport
}
