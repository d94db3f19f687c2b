package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool lends AMQP channels for short operations such as declares,
// deletes and publishes. Consumers hold a channel for their whole lifetime
// and take one with Acquire instead.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	active int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id         string
	pooled     bool
	confirms   chan amqp.Confirmation
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// EnableConfirms puts the channel in confirm mode once and returns the
// channel confirmations arrive on, in publish order
func (pc *PooledChannel) EnableConfirms() (<-chan amqp.Confirmation, error) {
	if pc.confirms != nil {
		return pc.confirms, nil
	}
	if err := pc.Confirm(false); err != nil {
		return nil, err
	}
	pc.confirms = pc.NotifyPublish(make(chan amqp.Confirmation, 1))
	return pc.confirms, nil
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a free channel
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is nil", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get lends a channel; return it with Put
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		if err := cp.checkOpen(); err != nil {
			return nil, err
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		if cp.reserve() {
			return cp.open(ctx)
		}

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Acquire opens a channel that is not counted against the pool size, for
// consumers that need one for their whole lifetime. Release it with Discard.
func (cp *ChannelPool) Acquire(ctx context.Context) (*PooledChannel, error) {
	if err := cp.checkOpen(); err != nil {
		return nil, err
	}
	return cp.openChannel(ctx)
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() || !ch.pooled {
		cp.Discard(ch)
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		cp.Discard(ch)
		return
	}

	select {
	case cp.channels <- ch:
	default:
		cp.Discard(ch)
	}
}

// Discard closes a channel and frees its slot
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			cp.logger.Debug("failed to close channel", "channelId", ch.id, "error", err)
		}
	}
	if ch.pooled {
		cp.release()
	}
}

// Execute runs fn on a pooled channel. A channel error from fn closes the
// channel on the broker side, in which case Put drops it.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes all idle channels. Channels still out are closed when put back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			cp.Discard(ch)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.active >= cp.maxSize {
		return false
	}
	cp.active++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.active > 0 {
		cp.active--
	}
}

// open creates a channel for a slot already reserved
func (cp *ChannelPool) open(ctx context.Context) (*PooledChannel, error) {
	pc, err := cp.openChannel(ctx)
	if err != nil {
		cp.release()
		return nil, err
	}
	pc.pooled = true
	return pc, nil
}

func (cp *ChannelPool) openChannel(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pc := &PooledChannel{
		Channel: ch,
		id:      uuid.New().String(),
	}
	cp.logger.Debug("channel opened", "channelId", pc.id)
	return pc, nil
}
