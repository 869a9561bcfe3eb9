package codec

import "encoding/json"

// JSON is the default codec. Human-readable, interoperable with external
// tooling that inspects archive rows directly.
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name implements Codec.
func (JSON) Name() string { return "json" }

var _ Codec = JSON{}
