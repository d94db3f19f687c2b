package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/rpcbridge/rpc"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionSource yields the live AMQP connection
type ConnectionSource interface {
	GetConnection() (*amqp.Connection, error)
}

// QueueInspector reports a queue's message and consumer counts
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (r CheckResult) finish(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	return r
}

// ConnectionChecker checks the AMQP connection by opening a channel on it
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a new AMQP connection checker
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "amqp"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	conn, err := c.source.GetConnection()
	if err != nil {
		return result.finish(StatusUnhealthy, "Failed to get connection", err)
	}
	if conn.IsClosed() {
		return result.finish(StatusUnhealthy, "Connection is closed", nil)
	}

	ch, err := conn.Channel()
	if err != nil {
		return result.finish(StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	// amq.direct always exists; a failure here means the broker
	// is refusing work on an open connection.
	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return result.finish(StatusDegraded, "Exchange check failed", err)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(result.Timestamp)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a request queue exists and is being served
type QueueChecker struct {
	queue        string
	inspector    QueueInspector
	maxBacklog   int
	requireReady bool
}

// QueueCheckerOption configures a queue checker
type QueueCheckerOption func(*QueueChecker)

// WithMaxBacklog sets the message count above which the queue is degraded
func WithMaxBacklog(n int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.maxBacklog = n
	}
}

// WithRequireConsumer marks a queue without consumers as degraded
func WithRequireConsumer(required bool) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.requireReady = required
	}
}

// NewQueueChecker creates a new queue checker
func NewQueueChecker(queue string, inspector QueueInspector, opts ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{
		queue:        queue,
		inspector:    inspector,
		maxBacklog:   10000,
		requireReady: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	q, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		return result.finish(StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queue), err)
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	switch {
	case c.requireReady && q.Consumers == 0:
		return result.finish(StatusDegraded, fmt.Sprintf("Queue %s has no consumers", c.queue), nil)
	case c.maxBacklog > 0 && q.Messages > c.maxBacklog:
		return result.finish(StatusDegraded, fmt.Sprintf("Queue %s has high message count", c.queue), nil)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Duration = time.Since(result.Timestamp)
	return result
}

// ReplyQueueChecker exercises the reply path: it declares a reply queue,
// consumes from it and tears it down again
type ReplyQueueChecker struct {
	transport rpc.Transport
}

// NewReplyQueueChecker creates a new reply queue checker
func NewReplyQueueChecker(transport rpc.Transport) *ReplyQueueChecker {
	return &ReplyQueueChecker{transport: transport}
}

func (c *ReplyQueueChecker) Name() string {
	return "reply_queue"
}

func (c *ReplyQueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	name, err := c.transport.DeclareReplyQueue(ctx)
	if err != nil {
		return result.finish(StatusUnhealthy, "Failed to declare reply queue", err)
	}

	tag, err := c.transport.Consume(ctx, name, func(rpc.Delivery) {})
	if err != nil {
		c.transport.DeleteQueue(context.WithoutCancel(ctx), name)
		return result.finish(StatusUnhealthy, "Failed to consume reply queue", err)
	}

	cleanup := context.WithoutCancel(ctx)
	if err := c.transport.CancelConsumer(cleanup, tag); err != nil {
		c.transport.DeleteQueue(cleanup, name)
		return result.finish(StatusDegraded, "Failed to cancel reply consumer", err)
	}
	if err := c.transport.DeleteQueue(cleanup, name); err != nil {
		return result.finish(StatusDegraded, "Failed to delete reply queue", err)
	}

	result.Status = StatusHealthy
	result.Message = "Reply queues can be declared and removed"
	result.Duration = time.Since(result.Timestamp)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags goroutine growth, the usual symptom of leaked calls
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{
		warning:  warning,
		critical: critical,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.critical > 0 && goroutines > c.critical:
		return result.finish(StatusUnhealthy, fmt.Sprintf("Too many goroutines: %d", goroutines), nil)
	case c.warning > 0 && goroutines > c.warning:
		return result.finish(StatusDegraded, fmt.Sprintf("High goroutine count: %d", goroutines), nil)
	}

	result.Status = StatusHealthy
	result.Message = "Runtime is normal"
	result.Duration = time.Since(result.Timestamp)
	return result
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, check func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:  name,
		check: check,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	status, message, err := c.check(ctx)
	return result.finish(status, message, err)
}
