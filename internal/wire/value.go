package wire

import (
	"time"

	"github.com/unkn0wn-root/polystore/codec"
	pr "github.com/unkn0wn-root/polystore/provider"
)

// Pack encodes v with c and frames it with its creation time and expiry.
func Pack(c codec.Codec[any], v any, now time.Time, ttl time.Duration) ([]byte, error) {
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	return EncodeEntry(now, pr.ExpiresAt(now, ttl), payload), nil
}

// Unpack reverses Pack. Expired frames return live=false and no value.
// Bad frames and undecodable payloads are *provider.CorruptError.
func Unpack(c codec.Codec[any], key string, b []byte, now time.Time) (v any, f Frame, live bool, err error) {
	f, err = DecodeEntry(b)
	if err != nil {
		return nil, Frame{}, false, &pr.CorruptError{Key: key, Stage: "frame", Err: err}
	}
	if f.Expired(now) {
		return nil, f, false, nil
	}
	v, err = c.Decode(f.Payload)
	if err != nil {
		return nil, f, false, &pr.CorruptError{Key: key, Stage: "decode", Err: err}
	}
	return v, f, true, nil
}
