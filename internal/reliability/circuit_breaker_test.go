package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

func fail() error    { return errBroker }
func succeed() error { return nil }

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
}

func (l *recordingListener) OnStateChange(name string, from, to State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions...)
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "broker", cb.Name())
	})

	t.Run("returns the operation error", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBroker)
		assert.NoError(t, cb.Execute(context.Background(), succeed))
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("publish"))
		for i := 0; i < 3; i++ {
			cb.Execute(context.Background(), fail)
		}
		assert.Equal(t, StateOpen, cb.State())

		executed := false
		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})
		assert.False(t, executed)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, 3, cbErr.Failures)
		assert.Contains(t, cbErr.Error(), "publish")
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		cb.Execute(context.Background(), fail)
		cb.Execute(context.Background(), succeed)
		cb.Execute(context.Background(), fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("context errors do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		err := cb.Execute(context.Background(), func() error {
			return context.DeadlineExceeded
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled context is rejected before running", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, executed)
	})

	t.Run("half-open after timeout then closes", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(50*time.Millisecond),
		)
		cb.Execute(context.Background(), fail)
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(80 * time.Millisecond)

		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))
		cb.Execute(context.Background(), fail)
		time.Sleep(80 * time.Millisecond)

		cb.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("limits concurrent probes", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(20*time.Millisecond),
			WithHalfOpenRequests(1),
		)
		cb.Execute(context.Background(), fail)
		time.Sleep(40 * time.Millisecond)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(context.Background(), func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(context.Background(), succeed)
		assert.ErrorIs(t, err, ErrCircuitHalfOpenLimit)

		close(release)
		assert.NoError(t, <-done)
	})

	t.Run("reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cb.Execute(context.Background(), fail)
		require.Equal(t, StateOpen, cb.State())

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(context.Background(), succeed))
	})

	t.Run("notifies listeners", func(t *testing.T) {
		listener := &recordingListener{}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(20*time.Millisecond), WithSuccessThreshold(1))
		cb.AddListener(listener)

		cb.Execute(context.Background(), fail)
		time.Sleep(40 * time.Millisecond)
		cb.Execute(context.Background(), succeed)

		assert.Eventually(t, func() bool {
			return len(listener.seen()) == 3
		}, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{"closed->open", "open->half-open", "half-open->closed"}, listener.seen())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
