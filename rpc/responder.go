package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/codec"
)

var (
	// ErrResponderRunning is returned by Start on a running responder
	ErrResponderRunning = errors.New("rpc: responder already running")
)

// HandlerFunc computes the reply for one request
type HandlerFunc[Req, Resp any] func(ctx context.Context, request Req) (Resp, error)

// ResponderOption configures a responder
type ResponderOption func(*responderConfig)

type responderConfig struct {
	logger         *slog.Logger
	errorReplies   bool
	handlerTimeout time.Duration
}

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(c *responderConfig) {
		c.logger = logger
	}
}

// WithErrorReplies makes the responder answer failed requests with an empty
// body and the failure in the HeaderError header, instead of staying silent
func WithErrorReplies(enabled bool) ResponderOption {
	return func(c *responderConfig) {
		c.errorReplies = enabled
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ResponderOption {
	return func(c *responderConfig) {
		c.handlerTimeout = timeout
	}
}

// Responder serves requests published to a named queue and publishes each
// result to the request's ReplyTo queue, echoing its correlation id.
type Responder[Req, Resp any] struct {
	transport Transport
	queue     string
	dec       codec.Decoder[Req]
	enc       codec.Encoder[Resp]
	handler   HandlerFunc[Req, Resp]
	config    responderConfig

	mu          sync.Mutex
	running     bool
	consumerTag string
	cancel      context.CancelFunc
}

// NewResponder creates a new responder for queue
func NewResponder[Req, Resp any](transport Transport, queue string, dec codec.Decoder[Req], enc codec.Encoder[Resp], handler HandlerFunc[Req, Resp], opts ...ResponderOption) (*Responder[Req, Resp], error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if queue == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	cfg := responderConfig{
		logger:         slog.Default(),
		handlerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Responder[Req, Resp]{
		transport: transport,
		queue:     queue,
		dec:       dec,
		enc:       enc,
		handler:   handler,
		config:    cfg,
	}, nil
}

// Queue returns the request queue name
func (r *Responder[Req, Resp]) Queue() string {
	return r.queue
}

// Start declares the request queue when the transport supports it and
// begins consuming
func (r *Responder[Req, Resp]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrResponderRunning
	}

	if declarer, ok := r.transport.(QueueDeclarer); ok {
		if err := declarer.DeclareQueue(ctx, r.queue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", r.queue, err)
		}
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	tag, err := r.transport.Consume(ctx, r.queue, func(d Delivery) {
		r.handle(serveCtx, d)
	})
	if err != nil {
		r.cancel()
		return fmt.Errorf("failed to consume %s: %w", r.queue, err)
	}

	r.consumerTag = tag
	r.running = true
	r.config.logger.Info("responder started", "queue", r.queue, "consumerTag", tag)
	return nil
}

// Stop cancels the consumer. It is safe to call on a stopped responder.
func (r *Responder[Req, Resp]) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	r.cancel()

	if err := r.transport.CancelConsumer(ctx, r.consumerTag); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", r.consumerTag, err)
	}

	r.config.logger.Info("responder stopped", "queue", r.queue)
	return nil
}

func (r *Responder[Req, Resp]) handle(ctx context.Context, d Delivery) {
	logger := r.config.logger.With("queue", r.queue, "correlationId", d.CorrelationID)

	body, err := r.serve(ctx, d.Body)
	if err != nil {
		logger.Error("failed to handle request", "error", err)
	}

	if d.ReplyTo == "" {
		logger.Warn("request has no reply queue, dropping reply")
		return
	}

	reply := Message{
		Body:          body,
		CorrelationID: d.CorrelationID,
		ContentType:   r.enc.ContentType(),
	}
	if err != nil {
		if !r.config.errorReplies {
			return
		}
		reply.Body = nil
		reply.Headers = map[string]interface{}{HeaderError: err.Error()}
	}

	if err := r.transport.Publish(ctx, d.ReplyTo, reply); err != nil {
		logger.Error("failed to publish reply", "replyTo", d.ReplyTo, "error", err)
		return
	}
	logger.Debug("reply published", "replyTo", d.ReplyTo, "bytes", len(reply.Body))
}

func (r *Responder[Req, Resp]) serve(ctx context.Context, body []byte) ([]byte, error) {
	req, err := r.dec.Decode(body)
	if err != nil {
		return nil, err
	}

	if r.config.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.handlerTimeout)
		defer cancel()
	}

	resp, err := r.handler(ctx, req)
	if err != nil {
		return nil, err
	}

	return r.enc.Encode(resp)
}
