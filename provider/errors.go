package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCapacityExceeded: a single value is larger than the backend's memory budget.
	ErrCapacityExceeded = errors.New("polystore: capacity exceeded")
	// ErrNotFound: administrative operation on a missing store, index, session or conflict.
	ErrNotFound = errors.New("polystore: not found")
	// ErrConflict: version mismatch on a versioned write.
	ErrConflict = errors.New("polystore: version conflict")
	// ErrUniqueViolation: duplicate key on a unique index.
	ErrUniqueViolation = errors.New("polystore: unique index violation")
	// ErrLockTimeout: advisory lock not acquired within the wait bound.
	ErrLockTimeout = errors.New("polystore: lock timeout")
	// ErrCorrupt: stored bytes could not be decrypted, decompressed or decoded.
	ErrCorrupt = errors.New("polystore: corrupt entry")
	// ErrClosed: the backend was closed.
	ErrClosed = errors.New("polystore: backend closed")
	// ErrInvalidKey: empty or otherwise unusable key.
	ErrInvalidKey = errors.New("polystore: invalid key")
	// ErrUnsupported: the backend cannot perform the operation.
	ErrUnsupported = errors.New("polystore: operation not supported")
)

type CapacityError struct {
	Key  string
	Size int64
	Max  int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("set %q: value size %d exceeds memory budget %d", e.Key, e.Size, e.Max)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

type UniqueViolationError struct {
	Collection string
	Index      string
	IndexKey   any
	Key        string // primary key already holding IndexKey
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("%s.%s: index key %v already used by %q", e.Collection, e.Index, e.IndexKey, e.Key)
}

func (e *UniqueViolationError) Unwrap() error { return ErrUniqueViolation }

type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q: not acquired after %s", e.Key, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// CorruptError reports which stage of the read pipeline failed.
// Stage is one of "read", "decrypt", "decompress", "decode".
type CorruptError struct {
	Key   string
	Stage string
	Err   error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%q corrupt at %s: %v", e.Key, e.Stage, e.Err)
}

func (e *CorruptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorrupt}
	}
	return []error{ErrCorrupt, e.Err}
}

// NotFound wraps ErrNotFound with a description of what was missing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
