// Package wire frames an entry's metadata around its encoded payload for
// backends that only store bytes and cannot track per-key expiry themselves.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1
	hdrLen         = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("polystore: corrupt frame")
	magic4     = [...]byte{'P', 'S', 'T', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is the decoded form of an entry frame.
type Frame struct {
	CreatedAt time.Time
	ExpiresAt time.Time // zero => no expiry
	Payload   []byte
}

// Expired reports whether the frame carries an expiry at or before now.
func (f Frame) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

// EncodeEntry: magic(4) | ver(1) | kind(1) | created(i64 be, unix ns) | expires(i64 be, 0=none) | vlen(u32 be) | payload
func EncodeEntry(createdAt, expiresAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(createdAt.UnixNano()))
	buf.Write(u8[:])

	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(exp))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry parses a frame. The returned payload aliases b.
func DecodeEntry(b []byte) (Frame, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Frame{}, ErrCorrupt
	}
	off := 6

	created := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // no trailing bytes
		return Frame{}, ErrCorrupt
	}

	f := Frame{
		CreatedAt: time.Unix(0, created),
		Payload:   b[off : off+vlen],
	}
	if exp != 0 {
		f.ExpiresAt = time.Unix(0, exp)
	}
	return f, nil
}
