package codec

import (
	"encoding/base64"
	"fmt"
)

// Base64 wraps another codec and carries its output as base64 text, for
// brokers or bridges that only pass printable bodies. The content type is
// the inner codec's.
type Base64[T any] struct {
	Inner Codec[T]
	// Encoding defaults to base64.StdEncoding
	Encoding *base64.Encoding
}

func (c Base64[T]) Encode(v T) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	enc := c.encoding()
	out := make([]byte, enc.EncodedLen(len(raw)))
	enc.Encode(out, raw)
	return out, nil
}

func (c Base64[T]) Decode(data []byte) (T, error) {
	enc := c.encoding()
	raw := make([]byte, enc.DecodedLen(len(data)))
	n, err := enc.Decode(raw, data)
	if err != nil {
		var zero T
		return zero, decodeErr("base64", data, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return c.Inner.Decode(raw[:n])
}

func (c Base64[T]) ContentType() string { return c.Inner.ContentType() }

func (c Base64[T]) encoding() *base64.Encoding {
	if c.Encoding == nil {
		return base64.StdEncoding
	}
	return c.Encoding
}
