package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned when a value is outside a codec's accepted set
	ErrUnsupportedType = errors.New("codec: unsupported type")
	// ErrMalformed is returned when a body cannot be parsed
	ErrMalformed = errors.New("codec: malformed payload")
)

// EncodingError reports a value that could not be serialized
type EncodingError struct {
	Codec string // Codec name
	Type  string // Go type of the rejected value
	Err   error  // Underlying error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec %s: cannot encode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError reports a body that could not be parsed
type DecodingError struct {
	Codec string // Codec name
	Len   int    // Length of the offending body
	Err   error  // Underlying error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("codec %s: cannot decode %d bytes: %v", e.Codec, e.Len, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

func encodeErr(codec string, v any, err error) error {
	return &EncodingError{Codec: codec, Type: fmt.Sprintf("%T", v), Err: err}
}

func decodeErr(codec string, data []byte, err error) error {
	return &DecodingError{Codec: codec, Len: len(data), Err: err}
}
