package genstore

import (
	"context"
	"sync"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Local keeps counters in memory. They are lost with the process, so a
// restarted syncing store starts issuing versions from 1 again.
type Local struct {
	mu     sync.Mutex
	gens   map[string]uint64
	closed bool
}

var _ GenStore = (*Local)(nil)

func NewLocal() *Local {
	return &Local{gens: make(map[string]uint64)}
}

func (s *Local) Current(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pr.ErrClosed
	}
	return s.gens[key], nil
}

func (s *Local) CurrentMany(_ context.Context, keys []string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pr.ErrClosed
	}
	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		out[k] = s.gens[k]
	}
	return out, nil
}

func (s *Local) Next(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pr.ErrClosed
	}
	s.gens[key]++
	return s.gens[key], nil
}

func (s *Local) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
