package rpc

import (
	"context"

	"github.com/glimte/rpcbridge/codec"
)

// Caller binds a client to an outbound and an inbound codec. It is safe for
// concurrent use; all per-call state lives in the Call it creates.
type Caller[Req, Resp any] struct {
	client *Client
	enc    codec.Encoder[Req]
	dec    codec.Decoder[Resp]
}

// NewCaller creates a new caller
func NewCaller[Req, Resp any](client *Client, enc codec.Encoder[Req], dec codec.Decoder[Resp]) *Caller[Req, Resp] {
	return &Caller[Req, Resp]{
		client: client,
		enc:    enc,
		dec:    dec,
	}
}

// Prepare creates a call that has not been started yet
func (c *Caller[Req, Resp]) Prepare(target string, request Req, opts ...CallOption) *Call[Req, Resp] {
	return newCall(c.client, c.enc, c.dec, target, request, opts...)
}

// Call sends request to target and waits for the decoded reply
func (c *Caller[Req, Resp]) Call(ctx context.Context, target string, request Req, opts ...CallOption) (Resp, error) {
	return c.Prepare(target, request, opts...).Do(ctx)
}

// Invoke performs a single call without keeping a Caller around
func Invoke[Req, Resp any](ctx context.Context, client *Client, target string, request Req, enc codec.Encoder[Req], dec codec.Decoder[Resp], opts ...CallOption) (Resp, error) {
	return newCall(client, enc, dec, target, request, opts...).Do(ctx)
}
