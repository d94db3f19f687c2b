package codec

// Encoder serializes values of type T into a message body.
type Encoder[T any] interface {
	Encode(v T) ([]byte, error)
	ContentType() string
}

// Decoder parses a message body into a value of type T.
type Decoder[T any] interface {
	Decode(data []byte) (T, error)
	ContentType() string
}

// Codec is a symmetric Encoder/Decoder pair.
type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// Content types reported by the built-in codecs.
const (
	ContentTypeText     = "text/plain; charset=utf-8"
	ContentTypeBinary   = "application/octet-stream"
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)
