//go:build integration
// +build integration

package nats

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/codec"
	"github.com/glimte/rpcbridge/rpc"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNATSURL string

func init() {
	testNATSURL = os.Getenv("NATS_URL")
	if testNATSURL == "" {
		testNATSURL = nats.DefaultURL
	}
}

func newIntegrationTransport(t *testing.T) *Transport {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	transport, err := NewTransport(context.Background(), testNATSURL)
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })
	return transport
}

func startUpper(t *testing.T, transport *Transport, subject string) {
	t.Helper()
	responder, err := rpc.NewResponder[string, string](transport, subject, codec.String{}, codec.String{},
		func(ctx context.Context, req string) (string, error) {
			return strings.ToUpper(req), nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, responder.Start(context.Background()))
	t.Cleanup(func() { responder.Stop(context.Background()) })
}

func TestRoundTripIntegration(t *testing.T) {
	transport := newIntegrationTransport(t)
	subject := "rpcbridge.test." + uuid.New().String()
	startUpper(t, transport, subject)

	client, err := rpc.NewClient(transport, rpc.WithTimeout(5*time.Second))
	require.NoError(t, err)
	caller := rpc.NewCaller[string, string](client, codec.String{}, codec.String{})

	call := caller.Prepare(subject, "hello")
	resp, err := call.Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HELLO", resp)
	assert.True(t, strings.HasPrefix(call.ReplyQueue(), nats.InboxPrefix))
}

func TestTimeoutIntegration(t *testing.T) {
	transport := newIntegrationTransport(t)

	client, err := rpc.NewClient(transport, rpc.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	caller := rpc.NewCaller[string, string](client, codec.String{}, codec.String{})

	_, err = caller.Call(context.Background(), "rpcbridge.nobody."+uuid.New().String(), "hello")
	assert.ErrorIs(t, err, rpc.ErrTimeout)
}

func TestManyCallsIntegration(t *testing.T) {
	transport := newIntegrationTransport(t)
	subject := "rpcbridge.many." + uuid.New().String()
	startUpper(t, transport, subject)

	client, err := rpc.NewClient(transport, rpc.WithTimeout(10*time.Second))
	require.NoError(t, err)
	caller := rpc.NewCaller[string, string](client, codec.String{}, codec.String{})

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := caller.Call(context.Background(), subject, fmt.Sprintf("msg-%d", i))
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("MSG-%d", i), resp)
		}(i)
	}
	wg.Wait()
}
