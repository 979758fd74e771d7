// Package session is a TTL-keyed store for identity sessions.
//
// Sessions get a generated ID (lowercase ULID, optionally prefixed), an
// absolute expiry that Touch pushes forward by the session's own TTL, and can be
// destroyed in bulk by a data attribute (e.g. every session of one user).
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	pr "github.com/unkn0wn-root/polystore/provider"
)

const (
	defaultTTL   = 30 * time.Minute
	defaultSweep = time.Minute
)

type Session struct {
	ID         string
	Data       map[string]any
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastAccess time.Time
	TTL        time.Duration

	// wrapped marks Data as {"value": v} built from a non-map Provider.Set.
	wrapped bool
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	c := *s
	c.Data, _ = pr.Clone(s.Data).(map[string]any)
	return &c
}

type Options struct {
	DefaultTTL      time.Duration // 0 => 30m
	CleanupInterval time.Duration // 0 => 1m; < 0 disables the sweep
	Prefix          string        // prepended to generated IDs
	// Sliding refreshes expiry on every Load.
	Sliding bool
	// OnExpire is called for each session removed because it expired.
	OnExpire func(id string)
	Logger   pr.Logger
}

type Store struct {
	ttl      time.Duration
	prefix   string
	sliding  bool
	onExpire func(string)
	log      pr.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	entropy  io.Reader
	closed   bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pr.Provider    = (*Store)(nil)
	_ pr.TTLProvider = (*Store)(nil)
)

func New(opts Options) *Store {
	s := &Store{
		ttl:      opts.DefaultTTL,
		prefix:   opts.Prefix,
		sliding:  opts.Sliding,
		onExpire: opts.OnExpire,
		log:      pr.OrNop(opts.Logger),
		sessions: make(map[string]*Session),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	interval := opts.CleanupInterval
	if interval == 0 {
		interval = defaultSweep
	}
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("session: swept expired sessions", pr.Fields{"count": n})
			}
		case <-s.stopCh:
			return
		}
	}
}

// newIDLocked returns a fresh session ID. Callers hold s.mu; the monotonic
// entropy source is not safe for concurrent use.
func (s *Store) newIDLocked(now time.Time) (string, error) {
	for {
		id, err := ulid.New(ulid.Timestamp(now), s.entropy)
		if err != nil {
			return "", fmt.Errorf("session: generate id: %w", err)
		}
		sid := s.prefix + strings.ToLower(id.String())
		if _, taken := s.sessions[sid]; !taken {
			return sid, nil
		}
	}
}

// liveLocked returns the live session for id, dropping it if expired.
func (s *Store) liveLocked(id string, now time.Time, expired *[]string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if sess.expired(now) {
		delete(s.sessions, id)
		*expired = append(*expired, id)
		return nil, false
	}
	return sess, true
}

func (s *Store) notify(expired []string) {
	if s.onExpire == nil {
		return
	}
	for _, id := range expired {
		s.onExpire(id)
	}
}

// Create starts a session holding a copy of data. ttl <= 0 uses the default.
func (s *Store) Create(_ context.Context, data map[string]any, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pr.ErrClosed
	}
	id, err := s.newIDLocked(now)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	sess := &Session{
		ID:         id,
		Data:       pr.Clone(data).(map[string]any),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		TTL:        ttl,
	}
	s.sessions[id] = sess
	return sess.clone(), nil
}

// Load returns a copy of the session. Missing and expired sessions return ok=false.
func (s *Store) Load(_ context.Context, id string) (*Session, bool, error) {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	sess, ok := s.liveLocked(id, now, &expired)
	var out *Session
	if ok {
		sess.LastAccess = now
		if s.sliding {
			sess.ExpiresAt = now.Add(sess.TTL)
		}
		out = sess.clone()
	}
	s.mu.Unlock()
	s.notify(expired)
	return out, ok, nil
}

// Save replaces the stored data of an existing session with sess.Data.
// Expiry is unchanged.
func (s *Store) Save(_ context.Context, sess *Session) error {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	cur, ok := s.liveLocked(sess.ID, now, &expired)
	if ok {
		cur.Data, _ = pr.Clone(sess.Data).(map[string]any)
		cur.wrapped = false
		cur.LastAccess = now
	}
	s.mu.Unlock()
	s.notify(expired)
	if !ok {
		return pr.NotFound("session %q", sess.ID)
	}
	return nil
}

// Touch pushes the expiry of a live session forward by its TTL.
func (s *Store) Touch(_ context.Context, id string) (*Session, error) {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	sess, ok := s.liveLocked(id, now, &expired)
	var out *Session
	if ok {
		sess.LastAccess = now
		sess.ExpiresAt = now.Add(sess.TTL)
		out = sess.clone()
	}
	s.mu.Unlock()
	s.notify(expired)
	if !ok {
		return nil, pr.NotFound("session %q", id)
	}
	return out, nil
}

// Regenerate moves a live session to a fresh ID. The old ID stops resolving.
func (s *Store) Regenerate(_ context.Context, id string) (*Session, error) {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	sess, ok := s.liveLocked(id, now, &expired)
	if !ok {
		s.mu.Unlock()
		s.notify(expired)
		return nil, pr.NotFound("session %q", id)
	}
	nid, err := s.newIDLocked(now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delete(s.sessions, id)
	sess.ID = nid
	sess.LastAccess = now
	s.sessions[nid] = sess
	out := sess.clone()
	s.mu.Unlock()
	return out, nil
}

// Destroy removes a session. Unknown or already expired IDs return ErrNotFound.
func (s *Store) Destroy(_ context.Context, id string) error {
	var expired []string
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pr.ErrClosed
	}
	_, ok := s.liveLocked(id, time.Now(), &expired)
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.notify(expired)
	if !ok {
		return pr.NotFound("session %q", id)
	}
	return nil
}

func matches(sess *Session, attr string, value any) bool {
	v, ok := sess.Data[attr]
	return ok && reflect.DeepEqual(v, value)
}

// DestroyWhere removes every live session whose Data[attr] equals value.
func (s *Store) DestroyWhere(_ context.Context, attr string, value any) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.expired(now) && matches(sess, attr, value) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// FindWhere returns copies of the live sessions whose Data[attr] equals value.
func (s *Store) FindWhere(_ context.Context, attr string, value any) ([]*Session, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if !sess.expired(now) && matches(sess, attr, value) {
			out = append(out, sess.clone())
		}
	}
	return out, nil
}

// Count returns the number of live sessions.
func (s *Store) Count(_ context.Context) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.expired(now) {
			n++
		}
	}
	return n
}

// Sweep removes expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	now := time.Now()
	var expired []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	s.notify(expired)
	return len(expired)
}

// Get returns the session data. Sessions stored from a non-map value through
// Set return that value.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	sess, ok, err := s.Load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if sess.wrapped {
		return sess.Data["value"], true, nil
	}
	return sess.Data, true, nil
}

// Set stores value under the caller-chosen ID key, creating or replacing the
// session. A map[string]any value becomes the session data as is.
func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	data, wrapped := value.(map[string]any), false
	if data == nil {
		data, wrapped = map[string]any{"value": value}, true
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pr.ErrClosed
	}
	created := now
	if old, ok := s.sessions[key]; ok && !old.expired(now) {
		created = old.CreatedAt
	}
	s.sessions[key] = &Session{
		ID:         key,
		Data:       pr.Clone(data).(map[string]any),
		CreatedAt:  created,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		TTL:        ttl,
		wrapped:    wrapped,
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	err := s.Destroy(ctx, key)
	if errors.Is(err, pr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Has(_ context.Context, key string) (bool, error) {
	var expired []string
	s.mu.Lock()
	_, ok := s.liveLocked(key, time.Now(), &expired)
	s.mu.Unlock()
	s.notify(expired)
	return ok, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	return nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if !sess.expired(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	return s.Count(ctx), nil
}

func (s *Store) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	sess, ok := s.liveLocked(key, now, &expired)
	if ok {
		if ttl > 0 {
			sess.TTL = ttl
		}
		sess.ExpiresAt = pr.ExpiresAt(now, ttl)
	}
	s.mu.Unlock()
	s.notify(expired)
	return ok, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	var expired []string
	now := time.Now()
	s.mu.Lock()
	sess, ok := s.liveLocked(key, now, &expired)
	d := pr.Missing
	if ok {
		d = pr.RemainingTTL(sess.ExpiresAt, now)
	}
	s.mu.Unlock()
	s.notify(expired)
	return d, nil
}

// Close stops the sweep loop and drops every session.
func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		s.mu.Lock()
		s.sessions = make(map[string]*Session)
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}
