// Package codec converts stored values to and from bytes.
//
// Backends that persist or ship values outside the process (file, badger, redis,
// bigcache) encode through a Codec[any]. JSON is the default: it is stable and
// human-readable. Msgpack and CBOR are compact alternatives; Struct uses protobuf's
// well-known structpb types for a schema-free binary form.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns the dynamic-value codec registered under name.
// An empty name selects JSON.
func ByName(name string) (Codec[any], error) {
	switch name {
	case "", "json":
		return JSON[any]{}, nil
	case "msgpack":
		return Msgpack[any]{}, nil
	case "cbor":
		return NewCBOR[any](true)
	case "protobuf", "struct":
		return Struct{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
