package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto encodes protocol buffer messages in the binary wire format
type Proto[T proto.Message] struct {
	// New returns an empty message to decode into
	New func() T
}

// NewProto returns a Proto codec that allocates messages with newFn
func NewProto[T proto.Message](newFn func() T) Proto[T] {
	return Proto[T]{New: newFn}
}

func (c Proto[T]) Encode(v T) ([]byte, error) {
	if any(v) == nil || !v.ProtoReflect().IsValid() {
		return nil, encodeErr("proto", v, fmt.Errorf("%w: nil message", ErrUnsupportedType))
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(v)
	if err != nil {
		return nil, encodeErr("proto", v, err)
	}
	return data, nil
}

func (c Proto[T]) Decode(data []byte) (T, error) {
	var zero T
	if c.New == nil {
		return zero, decodeErr("proto", data, errors.New("no message constructor configured"))
	}
	msg := c.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, decodeErr("proto", data, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return msg, nil
}

func (c Proto[T]) ContentType() string { return ContentTypeProtobuf }
