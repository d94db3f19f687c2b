package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rpcbridge/codec"
	"github.com/google/uuid"
)

// outcome is the single value carried by a call's completion signal
type outcome struct {
	delivery *Delivery
	kind     error
	cause    error
}

// CallOption configures a single call
type CallOption func(*callConfig)

type callConfig struct {
	timeout       time.Duration
	headers       map[string]interface{}
	correlationID string
}

// WithCallTimeout overrides the client's default deadline for one call
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = timeout
	}
}

// WithCallHeaders adds headers to one request, overriding client headers
func WithCallHeaders(headers map[string]interface{}) CallOption {
	return func(c *callConfig) {
		if c.headers == nil {
			c.headers = make(map[string]interface{}, len(headers))
		}
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithCorrelationID sets the call identifier instead of a random UUID
func WithCorrelationID(id string) CallOption {
	return func(c *callConfig) {
		c.correlationID = id
	}
}

// Call is one request/reply exchange. Do runs it at most once; Cancel may be
// invoked from any goroutine at any time.
type Call[Req, Resp any] struct {
	client  *Client
	enc     codec.Encoder[Req]
	dec     codec.Decoder[Resp]
	id      string
	target  string
	request Req
	timeout time.Duration
	headers map[string]interface{}
	logger  *slog.Logger

	started  atomic.Bool
	state    atomic.Int32
	resolved atomic.Bool
	signal   chan outcome

	mu      sync.Mutex
	replyTo string
	abort   context.CancelCauseFunc
}

func newCall[Req, Resp any](client *Client, enc codec.Encoder[Req], dec codec.Decoder[Resp], target string, request Req, opts ...CallOption) *Call[Req, Resp] {
	cfg := &callConfig{timeout: client.timeout}
	if len(client.headers) > 0 {
		WithCallHeaders(client.headers)(cfg)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = uuid.New().String()
	}

	return &Call[Req, Resp]{
		client:  client,
		enc:     enc,
		dec:     dec,
		id:      cfg.correlationID,
		target:  target,
		request: request,
		timeout: cfg.timeout,
		headers: cfg.headers,
		logger:  client.logger.With("callId", cfg.correlationID, "target", target),
		signal:  make(chan outcome, 1),
	}
}

// ID returns the call identifier, sent as the correlation id
func (c *Call[Req, Resp]) ID() string {
	return c.id
}

// Target returns the queue the request is published to
func (c *Call[Req, Resp]) Target() string {
	return c.target
}

// State returns the current lifecycle state
func (c *Call[Req, Resp]) State() State {
	return State(c.state.Load())
}

// ReplyQueue returns the reply queue name once one has been opened
func (c *Call[Req, Resp]) ReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// Cancel abandons the call if it has not resolved yet. A Do blocked in the
// transport is released through its context. The request, if already
// published, is not retracted. Calling Cancel more than once or after the
// call finished has no effect.
func (c *Call[Req, Resp]) Cancel() {
	if !c.resolve(outcome{kind: ErrCancelled}) {
		return
	}
	c.state.CompareAndSwap(int32(StateIdle), int32(StateCancelled))

	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort(ErrCancelled)
	}
	c.logger.Debug("call cancelled", "state", c.State().String())
}

// Do encodes and publishes the request, then blocks until the reply
// arrives, the call is cancelled, or the deadline passes. The reply queue is
// removed before Do returns on every path.
func (c *Call[Req, Resp]) Do(ctx context.Context) (Resp, error) {
	var zero Resp

	if c.started.Swap(true) {
		return zero, ErrCallReused
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateEncoding)) {
		// Cancelled before Do: nothing was sent.
		return zero, c.newError(ErrCancelled, nil)
	}

	start := time.Now()
	observer := c.client.observer
	observer.CallStarted(c.target)
	defer func() {
		observer.CallFinished(c.target, c.State(), time.Since(start))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// A Cancel that lands before abort is set is caught by the first
	// interrupted check below.
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	c.mu.Lock()
	c.abort = abort
	c.mu.Unlock()

	body, err := c.enc.Encode(c.request)
	if err != nil {
		return zero, c.terminate(StateFailed, ErrEncoding, err)
	}

	if o, stop := c.interrupted(ctx); stop {
		return zero, c.finish(o)
	}

	rq, err := c.client.openReplyQueue(ctx)
	if err != nil {
		if o, stop := c.interrupted(ctx); stop {
			return zero, c.finish(o)
		}
		return zero, c.terminate(StateFailed, ErrTransportConsume, err)
	}
	defer rq.Close()

	c.mu.Lock()
	c.replyTo = rq.Name()
	c.mu.Unlock()

	// The consumer must exist before the request can be answered.
	if err := rq.consume(ctx, c.deliver); err != nil {
		if o, stop := c.interrupted(ctx); stop {
			return zero, c.finish(o)
		}
		return zero, c.terminate(StateFailed, ErrTransportConsume, err)
	}

	if o, stop := c.interrupted(ctx); stop {
		return zero, c.finish(o)
	}

	msg := Message{
		Body:          body,
		ReplyTo:       rq.Name(),
		CorrelationID: c.id,
		ContentType:   c.enc.ContentType(),
		Headers:       c.headers,
	}
	// Published covers the window in which the broker may already hold the
	// request, so it is entered before Publish returns.
	c.transition(StatePublished)
	if err := c.client.transport.Publish(ctx, c.target, msg); err != nil {
		if o, stop := c.interrupted(ctx); stop {
			return zero, c.finish(o)
		}
		return zero, c.terminate(StateFailed, ErrTransportPublish, err)
	}
	c.logger.Debug("request published", "replyTo", rq.Name(), "bytes", len(body))

	c.transition(StateAwaitingReply)
	o := c.wait(ctx)
	if o.delivery == nil {
		return zero, c.finish(o)
	}

	if remote, ok := o.delivery.Headers[HeaderError]; ok {
		return zero, c.terminate(StateFailed, ErrRemote, &RemoteError{Message: toString(remote)})
	}

	resp, err := c.dec.Decode(o.delivery.Body)
	if err != nil {
		return zero, c.terminate(StateFailed, ErrDecoding, err)
	}

	c.state.Store(int32(StateCompleted))
	c.logger.Debug("call completed", "duration", time.Since(start))
	return resp, nil
}

// wait blocks on the completion signal. Context expiry competes for the
// signal like any other resolution, so the value read is always the winner.
func (c *Call[Req, Resp]) wait(ctx context.Context) outcome {
	select {
	case o := <-c.signal:
		return o
	case <-ctx.Done():
		c.resolve(contextOutcome(ctx))
		return <-c.signal
	}
}

// deliver is the reply queue consumer. Only the first matching delivery
// counts; redeliveries and strays are dropped.
func (c *Call[Req, Resp]) deliver(d Delivery) {
	if d.CorrelationID != "" && d.CorrelationID != c.id {
		c.logger.Warn("ignoring reply with foreign correlation id",
			"correlationId", d.CorrelationID,
		)
		return
	}
	if !c.resolve(outcome{delivery: &d}) {
		c.logger.Debug("ignoring delivery for resolved call", "redelivered", d.Redelivered)
	}
}

// resolve fires the completion signal; it succeeds for exactly one caller
func (c *Call[Req, Resp]) resolve(o outcome) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.signal <- o
	return true
}

// interrupted reports a pending cancellation or context expiry, claiming
// the signal for the context if nothing resolved the call yet
func (c *Call[Req, Resp]) interrupted(ctx context.Context) (outcome, bool) {
	if ctx.Err() != nil {
		c.resolve(contextOutcome(ctx))
	}
	if !c.resolved.Load() {
		return outcome{}, false
	}
	o := <-c.signal
	if o.delivery != nil {
		// Unreachable before publish; put it back for wait.
		c.signal <- o
		return outcome{}, false
	}
	return o, true
}

// finish maps a non-delivery outcome to its terminal state
func (c *Call[Req, Resp]) finish(o outcome) error {
	return c.terminate(StateCancelled, o.kind, o.cause)
}

func (c *Call[Req, Resp]) terminate(state State, kind, cause error) error {
	c.resolved.Store(true)
	c.state.Store(int32(state))

	err := c.newError(kind, cause)
	if state == StateCancelled {
		c.logger.Info("call abandoned", "reason", kind.Error())
	} else {
		c.logger.Error("call failed", "error", err)
	}
	return err
}

func (c *Call[Req, Resp]) transition(state State) {
	c.state.Store(int32(state))
}

func (c *Call[Req, Resp]) newError(kind, cause error) *CallError {
	return &CallError{
		Kind:      kind,
		CallID:    c.id,
		Target:    c.target,
		ReplyTo:   c.ReplyQueue(),
		Err:       cause,
		Timestamp: time.Now(),
	}
}

func contextOutcome(ctx context.Context) outcome {
	err := ctx.Err()
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return outcome{kind: ErrCancelled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return outcome{kind: ErrTimeout, cause: err}
	}
	return outcome{kind: ErrCancelled, cause: err}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return "unknown error"
	}
}
