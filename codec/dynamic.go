package codec

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Dynamic encodes untyped values whose runtime type is one of
// string, []byte or json.RawMessage.
type Dynamic struct{}

// Accepts lists the Go types Dynamic will encode
func (Dynamic) Accepts() []string {
	return []string{"string", "[]uint8", "json.RawMessage"}
}

func (Dynamic) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return String{}.Encode(val)
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, encodeErr("dynamic", v, fmt.Errorf("%w: invalid JSON", ErrUnsupportedType))
		}
		return Bytes{}.Encode(val)
	case []byte:
		return Bytes{}.Encode(val)
	default:
		return nil, encodeErr("dynamic", v, ErrUnsupportedType)
	}
}

func (Dynamic) ContentType() string { return ContentTypeBinary }

// Named returns a raw-body codec by name: "string", "bytes" or "json".
// The string and json codecs validate bodies in both directions.
func Named(name string) (Codec[[]byte], error) {
	switch name {
	case "string", "text":
		return rawText{}, nil
	case "bytes", "binary":
		return Bytes{}, nil
	case "json":
		return rawJSON{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrUnsupportedType, name)
	}
}

type rawText struct{}

func (rawText) Encode(v []byte) ([]byte, error) {
	if !utf8.Valid(v) {
		return nil, encodeErr("string", v, fmt.Errorf("%w: invalid UTF-8", ErrUnsupportedType))
	}
	return Bytes{}.Encode(v)
}

func (rawText) Decode(data []byte) ([]byte, error) {
	if !utf8.Valid(data) {
		return nil, decodeErr("string", data, fmt.Errorf("%w: invalid UTF-8", ErrMalformed))
	}
	return Bytes{}.Decode(data)
}

func (rawText) ContentType() string { return ContentTypeText }

type rawJSON struct{}

func (rawJSON) Encode(v []byte) ([]byte, error) {
	if !json.Valid(v) {
		return nil, encodeErr("json", v, fmt.Errorf("%w: invalid JSON", ErrUnsupportedType))
	}
	return Bytes{}.Encode(v)
}

func (rawJSON) Decode(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, decodeErr("json", data, fmt.Errorf("%w: invalid JSON", ErrMalformed))
	}
	return Bytes{}.Decode(data)
}

func (rawJSON) ContentType() string { return ContentTypeJSON }
