package syncing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Remote is the peer pending writes are pushed to and remote changes pulled
// from. It is a hook, not a protocol: implementations decide the transport.
type Remote interface {
	PushEntry(ctx context.Context, key string, e Entry) error
	// PullEntries returns the remote's current entries. Returning nothing is valid.
	PullEntries(ctx context.Context) ([]RemoteEntry, error)
}

type RemoteEntry struct {
	Key   string
	Entry Entry
}

type Stats struct {
	Keys         int
	Tombstones   int
	Pending      int
	Unresolved   int
	Conflicts    uint64 // total recorded
	Resolved     uint64
	Pushed       uint64
	PushFailures uint64
	Pulled       uint64
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	for _, rec := range s.records {
		if rec.cur.Deleted {
			st.Tombstones++
		} else {
			st.Keys++
		}
		if !rec.cur.Synced {
			st.Pending++
		}
	}
	for _, c := range s.conflicts {
		if !c.Resolved {
			st.Unresolved++
		}
	}
	return st
}

var errNoRemote = fmt.Errorf("syncing: no remote configured: %w", pr.ErrUnsupported)

// Push sends every pending entry to the remote. Entries the remote accepts are
// marked synced unless they were rewritten meanwhile; failed ones stay pending
// for the next call. The returned error joins every push failure.
func (s *Store) Push(ctx context.Context) (int, error) {
	if s.remote == nil {
		return 0, errNoRemote
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	type pending struct {
		key string
		e   Entry
	}
	var batch []pending
	s.mu.Lock()
	for k, rec := range s.records {
		if !rec.cur.Synced {
			batch = append(batch, pending{key: k, e: rec.cur.clone()})
		}
	}
	s.mu.Unlock()

	var (
		errs   []error
		pushed int
	)
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.remote.PushEntry(ctx, p.key, p.e); err != nil {
			s.log.Warn("syncing: push failed", pr.Fields{"key": p.key, "version": p.e.Version, "err": err})
			errs = append(errs, fmt.Errorf("push %q: %w", p.key, err))
			s.mu.Lock()
			s.stats.PushFailures++
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		if rec, ok := s.records[p.key]; ok && rec.cur.Version == p.e.Version {
			rec.cur.Synced = true
		}
		s.stats.Pushed++
		s.mu.Unlock()
		pushed++
	}
	return pushed, errors.Join(errs...)
}

// Pull applies remote entries. A differing remote entry overwrites a synced
// local entry as a new local version; against a pending local entry it raises
// a Conflict, which Auto mode settles by Strategy.
func (s *Store) Pull(ctx context.Context) (applied int, err error) {
	if s.remote == nil {
		return 0, errNoRemote
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	entries, err := s.remote.PullEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncing: pull: %w", err)
	}
	var raised []Conflict
	s.mu.Lock()
	for _, re := range entries {
		ok, c, err := s.applyRemoteLocked(ctx, re)
		if err != nil {
			s.mu.Unlock()
			return applied, err
		}
		if c != nil {
			raised = append(raised, c.clone())
		}
		if ok {
			applied++
			s.stats.Pulled++
		}
	}
	s.mu.Unlock()
	for _, c := range raised {
		s.notifyConflict(c)
	}
	return applied, nil
}

func (s *Store) applyRemoteLocked(ctx context.Context, re RemoteEntry) (bool, *Conflict, error) {
	remote := re.Entry
	rec, exists := s.records[re.Key]
	if exists && rec.cur.Deleted == remote.Deleted && reflect.DeepEqual(rec.cur.Value, remote.Value) {
		return false, nil, nil
	}
	in := Entry{Value: pr.Clone(remote.Value), Timestamp: remote.Timestamp, Author: remote.Author, Deleted: remote.Deleted, Synced: true}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	// versions are per store, so recency is judged by timestamp
	if exists && !in.Timestamp.After(rec.cur.Timestamp) {
		return false, nil, nil
	}
	if !exists || rec.cur.Synced {
		_, err := s.commitLocked(ctx, re.Key, in)
		return err == nil, nil, err
	}

	c := &Conflict{
		Key:           re.Key,
		LocalValue:    pr.Clone(rec.cur.Value),
		LocalVersion:  rec.cur.Version,
		RemoteValue:   pr.Clone(remote.Value),
		RemoteVersion: remote.Version,
		Timestamp:     time.Now(),
		localAt:       rec.cur.Timestamp,
		remoteAt:      in.Timestamp,
	}
	s.conflicts[re.Key] = c
	s.stats.Conflicts++
	if s.mode != Auto {
		return false, c, nil
	}
	v, res := autoResolve(s.strategy, c)
	c.Resolved, c.Resolution = true, res
	s.stats.Resolved++
	in.Value = pr.Clone(v)
	switch res {
	case ResolveLocal:
		// the kept local value becomes a new version that still needs pushing
		in.Deleted, in.Author, in.Timestamp = rec.cur.Deleted, rec.cur.Author, time.Now()
	case ResolveRemote:
		in.Deleted = remote.Deleted
	default:
		in.Deleted = false
	}
	// anything but the remote's own value is new to the remote
	in.Synced = res == ResolveRemote
	_, err := s.commitLocked(ctx, re.Key, in)
	return err == nil && res != ResolveLocal, c, err
}

// Sync pushes pending writes, then pulls remote changes.
func (s *Store) Sync(ctx context.Context) (SyncResult, error) {
	var r SyncResult
	var err error
	r.Pushed, err = s.Push(ctx)
	if err != nil {
		return r, err
	}
	r.Pulled, err = s.Pull(ctx)
	return r, err
}

type SyncResult struct {
	Pushed int
	Pulled int
}

func (s *Store) syncLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			if _, err := s.Sync(context.Background()); err != nil {
				s.log.Warn("syncing: periodic sync failed", pr.Fields{"err": err})
			}
		case <-s.stopCh:
			return
		}
	}
}
