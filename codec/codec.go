// Package codec provides payload encoding for archived records.
//
// Archive rows store the original message fields as an encoded blob together
// with the codec name, so rows written with one codec remain readable after
// the default changes.
package codec

// Codec encodes and decodes archive payloads.
//
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes v into a byte slice.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v, which must be a pointer.
	Decode(data []byte, v any) error

	// Name identifies the codec in persisted records ("json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

// ByName resolves a codec from its persisted name. Unknown names fall back
// to the default so old rows are still decodable after a misconfiguration.
func ByName(name string) Codec {
	switch name {
	case "msgpack":
		return Msgpack{}
	default:
		return JSON{}
	}
}
