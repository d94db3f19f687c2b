package codec

import (
	"fmt"
	"unicode/utf8"
)

// String sends and receives UTF-8 text
type String struct{}

func (String) Encode(v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, encodeErr("string", v, fmt.Errorf("%w: invalid UTF-8", ErrUnsupportedType))
	}
	return []byte(v), nil
}

func (String) Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", decodeErr("string", data, fmt.Errorf("%w: invalid UTF-8", ErrMalformed))
	}
	return string(data), nil
}

func (String) ContentType() string { return ContentTypeText }

// Bytes passes bodies through untouched
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (Bytes) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (Bytes) ContentType() string { return ContentTypeBinary }
