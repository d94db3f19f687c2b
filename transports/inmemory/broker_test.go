package inmemory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	b := NewBroker(opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

type collector struct {
	mu        sync.Mutex
	received  []rpc.Delivery
	delivered chan struct{}
}

func newCollector() *collector {
	return &collector{delivered: make(chan struct{}, 64)}
}

func (c *collector) handle(d rpc.Delivery) {
	c.mu.Lock()
	c.received = append(c.received, d)
	c.mu.Unlock()
	c.delivered <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []rpc.Delivery {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.delivered:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rpc.Delivery(nil), c.received...)
}

func TestReplyQueueDeclaration(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	first, err := b.DeclareReplyQueue(ctx)
	require.NoError(t, err)
	second, err := b.DeclareReplyQueue(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first, "amq.gen-"))
	assert.NotEqual(t, first, second)
	assert.True(t, b.HasQueue(first))
	assert.Equal(t, 2, b.Stats().Declared)
	assert.Equal(t, 2, b.Stats().Queues)
}

func TestPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	require.NoError(t, b.DeclareQueue(ctx, "work"))
	require.NoError(t, b.DeclareQueue(ctx, "work"))

	headers := map[string]interface{}{"k": "v"}
	msg := rpc.Message{
		Body:          []byte("payload"),
		ReplyTo:       "amq.gen-x",
		CorrelationID: "c1",
		ContentType:   "text/plain",
		Headers:       headers,
	}

	// Published before a consumer exists: held in the backlog.
	require.NoError(t, b.Publish(ctx, "work", msg))

	c := newCollector()
	tag, err := b.Consume(ctx, "work", c.handle)
	require.NoError(t, err)
	assert.NotEmpty(t, tag)

	require.NoError(t, b.Publish(ctx, "work", rpc.Message{Body: []byte("live")}))

	got := c.wait(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("payload"), got[0].Body)
	assert.Equal(t, "amq.gen-x", got[0].ReplyTo)
	assert.Equal(t, "c1", got[0].CorrelationID)
	assert.Equal(t, "text/plain", got[0].ContentType)
	assert.Equal(t, headers, got[0].Headers)
	assert.Equal(t, []byte("live"), got[1].Body)

	// Deliveries are copies.
	headers["k"] = "changed"
	assert.Equal(t, "v", got[0].Headers["k"])

	assert.Equal(t, 2, b.Stats().Published)
}

func TestConsumeErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Consume(ctx, "missing", func(rpc.Delivery) {})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, b.DeclareQueue(ctx, "work"))
	_, err = b.Consume(ctx, "work", func(rpc.Delivery) {})
	require.NoError(t, err)
	_, err = b.Consume(ctx, "work", func(rpc.Delivery) {})
	assert.ErrorIs(t, err, ErrQueueInUse)

	assert.ErrorIs(t, b.CancelConsumer(ctx, "nope"), ErrUnknownTag)
}

func TestUnroutableMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("dropped by default", func(t *testing.T) {
		b := newTestBroker(t)
		require.NoError(t, b.Publish(ctx, "missing", rpc.Message{}))
		assert.Equal(t, 1, b.Stats().Dropped)
		assert.Zero(t, b.Stats().Published)
	})

	t.Run("rejected with strict routing", func(t *testing.T) {
		b := newTestBroker(t, WithStrictRouting(true))
		err := b.Publish(ctx, "missing", rpc.Message{})
		assert.ErrorIs(t, err, ErrNoRoute)
		assert.Equal(t, 1, b.Stats().Dropped)
	})
}

func TestCancelConsumerRemovesAutoDeleteQueue(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	reply, err := b.DeclareReplyQueue(ctx)
	require.NoError(t, err)
	replyTag, err := b.Consume(ctx, reply, func(rpc.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, b.DeclareQueue(ctx, "named"))
	namedTag, err := b.Consume(ctx, "named", func(rpc.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, b.CancelConsumer(ctx, replyTag))
	require.NoError(t, b.CancelConsumer(ctx, namedTag))

	assert.False(t, b.HasQueue(reply))
	assert.True(t, b.HasQueue("named"))
	assert.Zero(t, b.Stats().Consumers)

	// Publishing to the removed queue is dropped, not delivered.
	require.NoError(t, b.Publish(ctx, reply, rpc.Message{}))
	assert.Equal(t, 1, b.Stats().Dropped)
}

func TestDeleteQueue(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	name, err := b.DeclareReplyQueue(ctx)
	require.NoError(t, err)
	_, err = b.Consume(ctx, name, func(rpc.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, b.DeleteQueue(ctx, name))
	require.NoError(t, b.DeleteQueue(ctx, name))

	stats := b.Stats()
	assert.Equal(t, 2, stats.DeleteCalls)
	assert.Zero(t, stats.Queues)
	assert.Zero(t, stats.Consumers)
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	boom := errors.New("boom")

	b.InjectFault(OpDeclare, boom)
	_, err := b.DeclareReplyQueue(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, b.DeclareQueue(ctx, "q"), boom)

	b.InjectFault(OpDeclare, nil)
	require.NoError(t, b.DeclareQueue(ctx, "q"))

	b.InjectFault(OpPublish, boom)
	assert.ErrorIs(t, b.Publish(ctx, "q", rpc.Message{}), boom)

	b.InjectFault(OpConsume, boom)
	_, err = b.Consume(ctx, "q", func(rpc.Delivery) {})
	assert.ErrorIs(t, err, boom)

	b.InjectFault(OpDelete, boom)
	assert.ErrorIs(t, b.DeleteQueue(ctx, "q"), boom)
	assert.True(t, b.HasQueue("q"))
	assert.Equal(t, 1, b.Stats().DeleteCalls)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, b.DeclareQueue(ctx, "q"))
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "q", rpc.Message{Body: []byte("x")}))
	c.wait(t, 1)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.DeclareReplyQueue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "q", rpc.Message{}), ErrClosed)
	assert.Zero(t, b.Stats().Consumers)
}

func TestCancelledContext(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.DeclareReplyQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.Publish(ctx, "q", rpc.Message{}), context.Canceled)
	_, err = b.Consume(ctx, "q", func(rpc.Delivery) {})
	assert.ErrorIs(t, err, context.Canceled)
}
