package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) Frame {
	t.Helper()
	f, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return f
}

func TestEntryRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 12345)
	cases := []struct {
		exp     time.Time
		payload []byte
	}{
		{time.Time{}, nil},
		{now.Add(time.Minute), []byte("hello")},
		{now.Add(time.Hour), []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		f := mustDecode(t, EncodeEntry(now, tc.exp, tc.payload))
		if !f.CreatedAt.Equal(now) {
			t.Fatalf("created mismatch: got %v want %v", f.CreatedAt, now)
		}
		if !f.ExpiresAt.Equal(tc.exp) {
			t.Fatalf("expiry mismatch: got %v want %v", f.ExpiresAt, tc.exp)
		}
		if !bytes.Equal(f.Payload, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", f.Payload, tc.payload)
		}
	}
}

func TestEntryNoExpiryIsZero(t *testing.T) {
	f := mustDecode(t, EncodeEntry(time.Now(), time.Time{}, []byte("x")))
	if !f.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", f.ExpiresAt)
	}
	if f.Expired(time.Now().Add(100 * time.Hour)) {
		t.Fatalf("frame without expiry must never expire")
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	f := mustDecode(t, EncodeEntry(now, now.Add(time.Second), nil))
	if f.Expired(now) {
		t.Fatalf("not yet expired")
	}
	if !f.Expired(now.Add(2 * time.Second)) {
		t.Fatalf("should be expired")
	}
}

func TestEntryRejectsCorruption(t *testing.T) {
	enc := EncodeEntry(time.Now(), time.Time{}, []byte("abc"))

	trailing := append(append([]byte(nil), enc...), 0xDE, 0xAD)
	if _, err := DecodeEntry(trailing); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = kindEntry + 1
	if _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// vlen sits after magic, ver, kind and two timestamps
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[22:26], uint32(len("abc")+1))
	if _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	if _, err := DecodeEntry(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
}
