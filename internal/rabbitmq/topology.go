package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// ReplyQueueDeclaration is a server-named queue owned by this connection and
// removed by the broker once its consumer goes away
func ReplyQueueDeclaration() QueueDeclaration {
	return QueueDeclaration{
		Name:       "",
		Durable:    false,
		AutoDelete: true,
		Exclusive:  true,
	}
}

// TopologyManager declares and deletes queues
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareQueue declares a queue and returns the broker's view of it. An
// empty name asks the broker to generate one.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return amqp.Queue{}, tm.topologyErr(queue.Name, "declare", err)
	}
	return q, nil
}

// DeleteQueue deletes a queue. Deleting a queue that does not exist
// succeeds on RabbitMQ.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		purged, err = ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return 0, tm.topologyErr(name, "delete", err)
	}
	return purged, nil
}

// InspectQueue passively declares a queue to read its message and consumer
// counts
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	if err != nil {
		return amqp.Queue{}, tm.topologyErr(name, "inspect", err)
	}
	return q, nil
}

func (tm *TopologyManager) topologyErr(name, op string, err error) error {
	return &TopologyError{
		Queue:     name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
