package syncing

import (
	"context"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

const lockPoll = 10 * time.Millisecond

// Lock takes the advisory lock for key. The lock is released by Unlock or
// automatically once timeout has passed. Acquisition polls until the key is
// free or maxWait elapses, then fails with *provider.LockTimeoutError.
// Locks are cooperative: writes do not check them.
func (s *Store) Lock(ctx context.Context, key string, timeout, maxWait time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	start := time.Now()
	for {
		now := time.Now()
		s.lmu.Lock()
		if until, held := s.locks[key]; !held || !now.Before(until) {
			s.locks[key] = now.Add(timeout)
			s.lmu.Unlock()
			return nil
		}
		s.lmu.Unlock()

		waited := time.Since(start)
		if waited >= maxWait {
			return &pr.LockTimeoutError{Key: key, Waited: waited}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

// Unlock releases key and reports whether a live lock was held.
func (s *Store) Unlock(key string) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	until, held := s.locks[key]
	delete(s.locks, key)
	return held && time.Now().Before(until)
}
