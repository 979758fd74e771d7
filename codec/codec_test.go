package codec

import (
	"reflect"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func record() map[string]any {
	return map[string]any{
		"name": "ada",
		"tags": []any{"x", "y"},
		"meta": map[string]any{"ok": true},
	}
}

func TestDynamicCodecsPreserveRecordShape(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "cbor", "protobuf"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("%s: ByName: %v", name, err)
		}
		b, err := c.Encode(record())
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		m, ok := got.(map[string]any)
		if !ok {
			t.Fatalf("%s: decoded %T, want map[string]any", name, got)
		}
		if m["name"] != "ada" {
			t.Fatalf("%s: name=%v", name, m["name"])
		}
		if !reflect.DeepEqual(m["tags"], []any{"x", "y"}) {
			t.Fatalf("%s: tags=%#v", name, m["tags"])
		}
		meta, ok := m["meta"].(map[string]any)
		if !ok || meta["ok"] != true {
			t.Fatalf("%s: meta=%#v", name, m["meta"])
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, err := ByName("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestLimitRejectsOversized(t *testing.T) {
	c := Limit[any]{Inner: JSON[any]{}, MaxDecode: 8}
	b, err := c.Encode(strings.Repeat("a", 20))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(b); err == nil {
		t.Fatalf("expected size error")
	}
	small, _ := c.Encode("ab")
	if v, err := c.Decode(small); err != nil || v != "ab" {
		t.Fatalf("small decode: v=%v err=%v", v, err)
	}
}

func TestProtobufMessageRoundTrip(t *testing.T) {
	c := NewProtobuf(func() *structpb.Value { return &structpb.Value{} })
	b, err := c.Encode(structpb.NewStringValue("hi"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.GetStringValue() != "hi" {
		t.Fatalf("got %q", v.GetStringValue())
	}
}

func TestCanonicalCBORIsStable(t *testing.T) {
	c, err := NewCBOR[any](true)
	if err != nil {
		t.Fatal(err)
	}
	a := map[string]any{"b": 2, "a": 1, "c": []any{"x"}}
	var first []byte
	for i := 0; i < 20; i++ {
		b, err := c.Encode(a)
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = b
			continue
		}
		if string(b) != string(first) {
			t.Fatalf("encoding %d differs", i)
		}
	}
}
