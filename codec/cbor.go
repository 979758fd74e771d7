package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes with fxamacker/cbor. Build it with NewCBOR; the zero value has
// no modes and panics on use.
//
// Maps decode as map[string]any, the shape the JSON codec produces, so a
// backend can switch codecs without changing what callers get back.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[any] = CBOR[any]{}

var anyMap = reflect.TypeOf(map[string]any(nil))

// NewCBOR builds a codec. Canonical selects RFC 8949 core deterministic
// encoding, so equal values always produce equal bytes; ByName uses it.
// Times are written as RFC 3339 strings in both modes.
func NewCBOR[V any](canonical bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if canonical {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	enc, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: anyMap}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: enc, dec: dec}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}
