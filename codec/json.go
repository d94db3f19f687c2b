package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSON encodes values of type T as JSON documents.
//
// The zero value is ready to use. Bodies with trailing data after the first
// document are rejected.
type JSON[T any] struct {
	// DisallowUnknownFields makes Decode fail on object keys that T does not declare
	DisallowUnknownFields bool
}

func (c JSON[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var typeErr *json.UnsupportedTypeError
		var valueErr *json.UnsupportedValueError
		if errors.As(err, &typeErr) || errors.As(err, &valueErr) {
			err = fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		return nil, encodeErr("json", v, err)
	}
	return data, nil
}

func (c JSON[T]) Decode(data []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	if c.DisallowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&v); err != nil {
		return v, decodeErr("json", data, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return v, decodeErr("json", data, fmt.Errorf("%w: trailing data after document", ErrMalformed))
	}
	return v, nil
}

func (c JSON[T]) ContentType() string { return ContentTypeJSON }
