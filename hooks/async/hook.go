// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    EvictedEvery: 100, // log ~every 100th eviction
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := polystore.New(polystore.Options{
//	    Backends: map[string]provider.Provider{"cache": cache, "disk": disk},
//	    Default:  "cache",
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/polystore"
)

// Hooks forwards events to inner on a bounded queue. Events that do not fit
// are dropped and counted.
type Hooks struct {
	inner   polystore.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ polystore.Hooks = (*Hooks)(nil)

func New(inner polystore.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on a channel closed by a racing Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) Evicted(b, k, r string)       { h.try(func() { h.inner.Evicted(b, k, r) }) }
func (h *Hooks) Expired(b, k string)          { h.try(func() { h.inner.Expired(b, k) }) }
func (h *Hooks) MigrationApplied(name string) { h.try(func() { h.inner.MigrationApplied(name) }) }
func (h *Hooks) SweepError(b, k string, err error) {
	h.try(func() { h.inner.SweepError(b, k, err) })
}
func (h *Hooks) ReplicationFailed(t, k string, err error) {
	h.try(func() { h.inner.ReplicationFailed(t, k, err) })
}
func (h *Hooks) FallbackRead(p, fb, k string, err error) {
	h.try(func() { h.inner.FallbackRead(p, fb, k, err) })
}
func (h *Hooks) ConflictDetected(k string, local, remote any) {
	h.try(func() { h.inner.ConflictDetected(k, local, remote) })
}
