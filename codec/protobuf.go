package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes concrete protobuf messages.
type Protobuf[T proto.Message] struct {
	new func() T // constructor, e.g. func() *structpb.Value { return &structpb.Value{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// Struct carries dynamic values as a google.protobuf.Value.
// Supported shapes are those structpb accepts: nil, bool, numbers, string,
// []byte (base64 text), []any and map[string]any. Numbers decode as float64.
type Struct struct{}

var structValues = NewProtobuf(func() *structpb.Value { return &structpb.Value{} })

func (Struct) Encode(v any) ([]byte, error) {
	pv, err := structpb.NewValue(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("codec: struct encode: %w", err)
	}
	return structValues.Encode(pv)
}

func (Struct) Decode(b []byte) (any, error) {
	pv, err := structValues.Decode(b)
	if err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}

// normalize widens container types structpb rejects.
func normalize(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}
