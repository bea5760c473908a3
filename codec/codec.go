// Package codec abstracts the serialization of wire messages.
//
// The connection cache and the invoker never look inside a payload — they hand
// a typed message to a Codec and get bytes back (and vice versa). The wire
// contract fixes the message schema to JSON objects, so JSON is the default
// and, for now, the only implementation.
package codec

// Codec turns a typed request/response into bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default returns the codec used when none is configured explicitly.
func Default() Codec {
	return &JSONCodec{}
}
