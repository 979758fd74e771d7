package syncing

import (
	"fmt"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Mode selects what happens when a write conflicts.
type Mode string

const (
	// Manual records the conflict and fails the write with *ConflictError.
	Manual Mode = "manual"
	// Auto resolves the conflict immediately with the configured Strategy.
	Auto Mode = "auto"
)

type Strategy string

const (
	LastWriteWins  Strategy = "last-write-wins"
	FirstWriteWins Strategy = "first-write-wins"
	// Merge shallow-merges map values, local fields first, then remote fields.
	// Non-map values fall back to the remote side.
	Merge Strategy = "merge"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return Manual, nil
	case Manual, Auto:
		return m, nil
	default:
		return "", fmt.Errorf("syncing: unknown conflict mode %q", s)
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return LastWriteWins, nil
	case LastWriteWins, FirstWriteWins, Merge:
		return st, nil
	default:
		return "", fmt.Errorf("syncing: unknown strategy %q", s)
	}
}

// Resolution picks the value that settles a conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
	ResolveCustom Resolution = "custom"
)

type ResolveOptions struct {
	// Merge replaces the default shallow merge for ResolveMerge.
	Merge func(local, remote any) any
	// Value is the result for ResolveCustom.
	Value any
}

// Conflict is a pair of divergent writes to one key.
//
// For a local write with a stale expected version, Local is the stored entry
// and Remote is the rejected write with RemoteVersion set to the version the
// writer expected. For a pull, Remote is the entry received from the remote.
type Conflict struct {
	Key           string
	LocalValue    any
	LocalVersion  uint64
	RemoteValue   any
	RemoteVersion uint64
	Timestamp     time.Time
	Resolved      bool
	Resolution    Resolution

	localAt  time.Time
	remoteAt time.Time
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.LocalValue = pr.Clone(c.LocalValue)
	out.RemoteValue = pr.Clone(c.RemoteValue)
	return out
}

// ConflictError is returned by writes whose expected version is stale.
type ConflictError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("polystore: conflict on %q: expected version %d, have %d", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return pr.ErrConflict }

// shallowMerge copies local fields, then remote fields over them.
func shallowMerge(local, remote any) any {
	lm, lok := local.(map[string]any)
	rm, rok := remote.(map[string]any)
	if !lok || !rok {
		return pr.Clone(remote)
	}
	out := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		out[k] = pr.Clone(v)
	}
	for k, v := range rm {
		out[k] = pr.Clone(v)
	}
	return out
}

// autoResolve picks the surviving value for c under strategy.
func autoResolve(strategy Strategy, c *Conflict) (any, Resolution) {
	switch strategy {
	case FirstWriteWins:
		if c.remoteAt.Before(c.localAt) {
			return c.RemoteValue, ResolveRemote
		}
		return c.LocalValue, ResolveLocal
	case Merge:
		return shallowMerge(c.LocalValue, c.RemoteValue), ResolveMerge
	default:
		if c.localAt.After(c.remoteAt) {
			return c.LocalValue, ResolveLocal
		}
		return c.RemoteValue, ResolveRemote
	}
}

func manualResolve(c *Conflict, res Resolution, opts ResolveOptions) (any, error) {
	switch res {
	case ResolveLocal:
		return c.LocalValue, nil
	case ResolveRemote:
		return c.RemoteValue, nil
	case ResolveMerge:
		if opts.Merge != nil {
			return opts.Merge(pr.Clone(c.LocalValue), pr.Clone(c.RemoteValue)), nil
		}
		return shallowMerge(c.LocalValue, c.RemoteValue), nil
	case ResolveCustom:
		return opts.Value, nil
	default:
		return nil, fmt.Errorf("syncing: unknown resolution %q", res)
	}
}
