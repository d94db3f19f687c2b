package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/rpcbridge/transports/inmemory"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func statusChecker(name string, status Status) *ComponentChecker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, error) {
		return status, string(status), nil
	})
}

type blockingChecker struct{}

func (blockingChecker) Name() string { return "blocking" }

func (blockingChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Status: StatusHealthy}
}

type fakeInspector struct {
	queue amqp.Queue
	err   error
}

func (f fakeInspector) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	return f.queue, f.err
}

type fakeSource struct {
	err error
}

func (f fakeSource) GetConnection() (*amqp.Connection, error) {
	return nil, f.err
}

func TestRegistryCheck(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				for i, s := range tt.statuses {
					registry.Register(statusChecker(string(rune('a'+i)), s))
				}
				health := registry.Check(context.Background())
				assert.Equal(t, tt.want, health.Status)
				assert.Len(t, health.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("unregister removes check", func(t *testing.T) {
		registry := NewRegistry(statusChecker("a", StatusUnhealthy))
		registry.Unregister("a")
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})

	t.Run("timed out checks are unhealthy", func(t *testing.T) {
		registry := NewRegistry(statusChecker("fast", StatusHealthy), blockingChecker{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		require.Contains(t, health.Checks, "blocking")
		assert.Equal(t, "Check timed out", health.Checks["blocking"].Message)
		assert.Equal(t, context.DeadlineExceeded.Error(), health.Checks["blocking"].Error)
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy returns 200", func(t *testing.T) {
		handler := NewHandler(NewRegistry(statusChecker("a", StatusDegraded)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusDegraded, body.Status)
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		handler := NewHandler(NewRegistry(statusChecker("a", StatusUnhealthy)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestConnectionChecker(t *testing.T) {
	checker := NewConnectionChecker(fakeSource{err: errors.New("not connected")})
	assert.Equal(t, "amqp", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "not connected", result.Error)
}

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		name      string
		inspector fakeInspector
		opts      []QueueCheckerOption
		want      Status
	}{
		{
			name:      "served queue",
			inspector: fakeInspector{queue: amqp.Queue{Name: "prices", Consumers: 2, Messages: 3}},
			want:      StatusHealthy,
		},
		{
			name:      "missing queue",
			inspector: fakeInspector{err: errors.New("NOT_FOUND")},
			want:      StatusUnhealthy,
		},
		{
			name:      "no consumers",
			inspector: fakeInspector{queue: amqp.Queue{Name: "prices"}},
			want:      StatusDegraded,
		},
		{
			name:      "no consumers allowed",
			inspector: fakeInspector{queue: amqp.Queue{Name: "prices"}},
			opts:      []QueueCheckerOption{WithRequireConsumer(false)},
			want:      StatusHealthy,
		},
		{
			name:      "backlog",
			inspector: fakeInspector{queue: amqp.Queue{Name: "prices", Consumers: 1, Messages: 11}},
			opts:      []QueueCheckerOption{WithMaxBacklog(10)},
			want:      StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewQueueChecker("prices", tt.inspector, tt.opts...)
			assert.Equal(t, "queue_prices", checker.Name())
			assert.Equal(t, tt.want, checker.Check(context.Background()).Status)
		})
	}
}

func TestReplyQueueChecker(t *testing.T) {
	t.Run("healthy broker", func(t *testing.T) {
		broker := inmemory.NewBroker(inmemory.WithLogger(quietLogger))
		defer broker.Close()

		result := NewReplyQueueChecker(broker).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)

		stats := broker.Stats()
		assert.Equal(t, 1, stats.Declared)
		assert.Zero(t, stats.Queues)
		assert.Zero(t, stats.Consumers)
	})

	t.Run("declare failure", func(t *testing.T) {
		broker := inmemory.NewBroker(inmemory.WithLogger(quietLogger))
		defer broker.Close()
		broker.InjectFault(inmemory.OpDeclare, errors.New("access refused"))

		result := NewReplyQueueChecker(broker).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "access refused", result.Error)
	})

	t.Run("consume failure still deletes", func(t *testing.T) {
		broker := inmemory.NewBroker(inmemory.WithLogger(quietLogger))
		defer broker.Close()
		broker.InjectFault(inmemory.OpConsume, errors.New("channel closed"))

		result := NewReplyQueueChecker(broker).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Zero(t, broker.Stats().Queues)
	})

	t.Run("delete failure is degraded", func(t *testing.T) {
		broker := inmemory.NewBroker(inmemory.WithLogger(quietLogger))
		defer broker.Close()
		broker.InjectFault(inmemory.OpDelete, errors.New("timeout"))

		result := NewReplyQueueChecker(broker).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(1, 1).Check(context.Background()).Status)

	result := NewRuntimeChecker(0, 0).Check(context.Background())
	assert.Contains(t, result.Details, "goroutines")
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("cache", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "warming up", errors.New("cold")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "cache", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "warming up", result.Message)
	assert.Equal(t, "cold", result.Error)
}
