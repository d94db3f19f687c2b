package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/codec"
	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/health"
	"github.com/glimte/rpcbridge/rpc"
	"github.com/glimte/rpcbridge/transports/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"call", "serve", "bench", "health"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"config", "url", "transport", "verbose"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestGlobalFlagsLoad(t *testing.T) {
	t.Run("flags override config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rpcbridge.yaml")
		require.NoError(t, os.WriteFile(path, []byte("url: amqp://file/\ntimeout: 2s\n"), 0o600))

		flags := &globalFlags{configPath: path, url: "nats://flag:4222", transport: "NATS"}
		cfg, err := flags.load()
		require.NoError(t, err)
		assert.Equal(t, "nats://flag:4222", cfg.URL)
		assert.Equal(t, config.TransportNATS, cfg.Transport)
		assert.Equal(t, 2*time.Second, cfg.Timeout)
	})

	t.Run("invalid override", func(t *testing.T) {
		flags := &globalFlags{transport: "kafka"}
		_, err := flags.load()
		assert.Error(t, err)
	})
}

func TestHandlerFor(t *testing.T) {
	echo, err := handlerFor("echo", 0)
	require.NoError(t, err)
	resp, err := echo(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), resp)

	upper, err := handlerFor("upper", 0)
	require.NoError(t, err)
	resp, err = upper(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), resp)

	slow, err := handlerFor("echo", time.Second)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow(ctx, []byte("abc"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = handlerFor("reverse", 0)
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	body, err := readPayload("inline", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), body)

	body, err = readPayload("", "-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from stdin"), body)

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))
	body, err = readPayload("", path, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), body)

	_, err = readPayload("", filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestDescribeCallError(t *testing.T) {
	timeout := &rpc.CallError{Kind: rpc.ErrTimeout, Err: context.DeadlineExceeded}
	assert.Contains(t, describeCallError(timeout).Error(), "call timed out")
	assert.ErrorIs(t, describeCallError(timeout), rpc.ErrTimeout)

	cancelled := &rpc.CallError{Kind: rpc.ErrCancelled}
	assert.Contains(t, describeCallError(cancelled).Error(), "call cancelled")

	remote := &rpc.CallError{Kind: rpc.ErrRemote, Err: &rpc.RemoteError{Message: "no such sku"}}
	assert.Equal(t, "responder failed: no such sku", describeCallError(remote).Error())

	other := errors.New("boom")
	assert.Equal(t, other, describeCallError(other))
}

func TestRunBench(t *testing.T) {
	broker := inmemory.NewBroker(inmemory.WithLogger(quietLogger))
	defer broker.Close()

	handler, err := handlerFor("upper", 0)
	require.NoError(t, err)
	responder, err := rpc.NewResponder[[]byte, []byte](broker, "bench", codec.Bytes{}, codec.Bytes{}, handler,
		rpc.WithResponderLogger(quietLogger),
	)
	require.NoError(t, err)
	require.NoError(t, responder.Start(context.Background()))
	defer responder.Stop(context.Background())

	client, err := rpc.NewClient(broker, rpc.WithLogger(quietLogger))
	require.NoError(t, err)

	t.Run("all calls complete", func(t *testing.T) {
		report, err := runBench(context.Background(), client, benchOptions{
			queue:       "bench",
			payload:     []byte("ping"),
			calls:       40,
			concurrency: 8,
			timeout:     time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, 40, report.Completed)
		assert.Zero(t, report.Failed+report.Timeout+report.Cancelled)
		assert.Greater(t, report.percentile(0.99), time.Duration(0))

		var out bytes.Buffer
		report.print(&out)
		assert.Contains(t, out.String(), "Completed")
		assert.Contains(t, out.String(), "40")
	})

	t.Run("rate limited", func(t *testing.T) {
		report, err := runBench(context.Background(), client, benchOptions{
			queue:       "bench",
			payload:     []byte("ping"),
			calls:       5,
			concurrency: 5,
			rate:        50,
			timeout:     time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, 5, report.Completed)
		// The first call is free; the remaining four wait 20ms each.
		assert.GreaterOrEqual(t, report.Elapsed, 60*time.Millisecond)
	})

	t.Run("unanswered calls time out", func(t *testing.T) {
		require.NoError(t, broker.DeclareQueue(context.Background(), "silent"))

		report, err := runBench(context.Background(), client, benchOptions{
			queue:       "silent",
			calls:       3,
			concurrency: 3,
			timeout:     20 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, report.Timeout)
		assert.Zero(t, report.percentile(0.5))
	})
}

func TestPrintHealth(t *testing.T) {
	var out bytes.Buffer
	printHealth(&out, health.OverallHealth{
		Status: health.StatusDegraded,
		Checks: map[string]health.CheckResult{
			"reply_queue":  {Status: health.StatusHealthy, Message: "ok"},
			"queue_prices": {Status: health.StatusDegraded, Message: "Queue prices has no consumers"},
		},
	})

	text := out.String()
	assert.Contains(t, text, "System Health: degraded")
	assert.Less(t, strings.Index(text, "queue_prices"), strings.Index(text, "reply_queue"))
}
