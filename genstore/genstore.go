// Package genstore issues per-key versions for the syncing provider.
//
// Every successful write asks the store for the key's next version, so
// versions are strictly increasing per key and never reused, not even after
// the key is deleted. Local keeps counters in-process; Redis keeps them in a
// single hash so several processes writing the same keys agree on order.
package genstore

import "context"

type GenStore interface {
	// Current returns the last version issued for key; never issued => 0.
	Current(ctx context.Context, key string) (uint64, error)
	// CurrentMany is Current for several keys; every requested key is present.
	CurrentMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Next atomically issues and returns the next version for key.
	Next(ctx context.Context, key string) (uint64, error)
	Close(context.Context) error
}
