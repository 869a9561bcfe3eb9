package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack is a compact binary codec for high-volume archives.
type Msgpack struct{}

// Encode implements Codec.
func (Msgpack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode implements Codec.
func (Msgpack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Name implements Codec.
func (Msgpack) Name() string { return "msgpack" }

var _ Codec = Msgpack{}
