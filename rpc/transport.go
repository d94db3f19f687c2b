package rpc

import (
	"context"
)

// HeaderError carries a remote handler failure on a reply
const HeaderError = "x-rpc-error"

// Message is an outbound message handed to the transport
type Message struct {
	Body          []byte
	ReplyTo       string
	CorrelationID string
	ContentType   string
	Headers       map[string]interface{}
}

// Delivery is an inbound message handed to a DeliveryHandler
type Delivery struct {
	Body          []byte
	ReplyTo       string
	CorrelationID string
	ContentType   string
	Redelivered   bool
	Headers       map[string]interface{}
}

// DeliveryHandler is invoked by the transport on its own goroutine for every
// delivery on a consumed queue
type DeliveryHandler func(delivery Delivery)

// Transport is an established broker channel.
//
// Implementations must allow concurrent use: calls share one Transport and
// run their declare/consume/publish/delete sequences in parallel.
type Transport interface {
	// DeclareReplyQueue declares a server-named, exclusive, auto-delete queue
	DeclareReplyQueue(ctx context.Context) (string, error)

	// Publish sends a message to the named queue
	Publish(ctx context.Context, queue string, msg Message) error

	// Consume registers handler on queue and returns the consumer tag
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (string, error)

	// CancelConsumer stops a consumer started by Consume
	CancelConsumer(ctx context.Context, consumerTag string) error

	// DeleteQueue removes a queue
	DeleteQueue(ctx context.Context, name string) error
}

// QueueDeclarer is implemented by transports that can declare named queues.
// Responder uses it to make sure its request queue exists.
type QueueDeclarer interface {
	DeclareQueue(ctx context.Context, name string) error
}
