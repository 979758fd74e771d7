// Package badger is an embedded durable backend on BadgerDB v4.
//
// Values are encoded with a codec (JSON by default); expiry uses Badger's
// native per-entry TTL, which has one-second resolution. A background loop
// runs value-log GC when GCInterval > 0.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/unkn0wn-root/polystore/codec"
	pr "github.com/unkn0wn-root/polystore/provider"
)

type Options struct {
	Dir        string // required unless InMemory
	InMemory   bool
	SyncWrites bool
	Codec      codec.Codec[any]
	DefaultTTL time.Duration
	GCInterval time.Duration // 0 => no value-log GC loop
	Logger     pr.Logger
}

// badgerLogger adapts provider.Logger to badger.Logger.
type badgerLogger struct{ log pr.Logger }

var _ badger.Logger = badgerLogger{}

func (b badgerLogger) Errorf(msg string, items ...any) {
	b.log.Error(fmt.Sprintf(msg, items...), nil)
}

func (b badgerLogger) Warningf(msg string, items ...any) {
	b.log.Warn(fmt.Sprintf(msg, items...), nil)
}

func (b badgerLogger) Infof(msg string, items ...any) {
	b.log.Debug(fmt.Sprintf(msg, items...), nil)
}

func (b badgerLogger) Debugf(msg string, items ...any) {
	b.log.Debug(fmt.Sprintf(msg, items...), nil)
}

type Store struct {
	db         *badger.DB
	codec      codec.Codec[any]
	defaultTTL time.Duration
	log        pr.Logger

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pr.Provider     = (*Store)(nil)
	_ pr.BulkProvider = (*Store)(nil)
	_ pr.TTLProvider  = (*Store)(nil)
)

func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("badger: dir is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("badger: create dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	log := pr.OrNop(opts.Logger)
	bopts = bopts.
		WithLogger(badgerLogger{log: log}).
		WithCompression(options.None).
		WithSyncWrites(opts.SyncWrites)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	s := &Store{db: db, codec: opts.Codec, defaultTTL: opts.DefaultTTL, log: log}
	if s.codec == nil {
		s.codec = codec.JSON[any]{}
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		s.ticker = time.NewTicker(opts.GCInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.gcLoop()
	}
	return s, nil
}

func (s *Store) gcLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			for {
				// repeat while GC rewrote a file
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
						s.log.Warn("badger: value log gc", pr.Fields{"err": err})
					}
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) decode(key string, item *badger.Item) (any, error) {
	b, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("badger: read %q: %w", key, err)
	}
	v, err := s.codec.Decode(b)
	if err != nil {
		return nil, &pr.CorruptError{Key: key, Stage: "decode", Err: err}
	}
	return v, nil
}

func (s *Store) entry(key string, value any, ttl time.Duration) (*badger.Entry, error) {
	b, err := s.codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("badger: encode %q: %w", key, err)
	}
	e := badger.NewEntry([]byte(key), b)
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e, nil
}

func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	var (
		v  any
		ok bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err = s.decode(key, item)
		ok = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	e, err := s.entry(key, value, ttl)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(e) })
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	return existed, err
}

func (s *Store) Has(_ context.Context, key string) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, err
}

func (s *Store) Clear(_ context.Context) error {
	return s.db.DropAll()
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (s *Store) Size(ctx context.Context) (int, error) {
	ks, err := s.Keys(ctx)
	return len(ks), err
}

// GetMany reads all keys in one read transaction.
func (s *Store) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := s.decode(k, item)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	return out, err
}

// SetMany writes through a WriteBatch; it is not atomic across items.
func (s *Store) SetMany(_ context.Context, items map[string]any, ttl time.Duration) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range items {
		e, err := s.entry(k, v, ttl)
		if err != nil {
			return err
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("badger: batch set %q: %w", k, err)
		}
	}
	return wb.Flush()
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			_, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetTTL rewrites the value with a new expiry in one transaction.
func (s *Store) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e := badger.NewEntry([]byte(key), b)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		ok = true
		return txn.SetEntry(e)
	})
	return ok, err
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	d := pr.Missing
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exp := item.ExpiresAt()
		if exp == 0 {
			d = pr.NoExpiry
			return nil
		}
		d = pr.RemainingTTL(time.Unix(int64(exp), 0), time.Now())
		return nil
	})
	return d, err
}

// Close stops the GC loop and closes the database.
func (s *Store) Close(_ context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		err = s.db.Close()
	})
	return err
}
