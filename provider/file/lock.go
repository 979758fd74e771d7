package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// LockOptions bound an advisory lock.
type LockOptions struct {
	// Timeout releases the lock automatically after this long. Lock files older
	// than Timeout left by another process are considered stale and broken.
	// Default 30s.
	Timeout time.Duration
	// MaxWait bounds acquisition; afterwards Lock fails with *provider.LockTimeoutError.
	// Default 5s.
	MaxWait time.Duration
	// PollInterval between acquisition attempts. Default 50ms.
	PollInterval time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

type lockTable struct {
	dir  string
	mu   sync.Mutex
	held map[string]*time.Timer // name -> auto-release timer
}

func newLockTable(dir string) *lockTable {
	return &lockTable{dir: dir, held: make(map[string]*time.Timer)}
}

func (t *lockTable) path(name string) string {
	return filepath.Join(t.dir, name+lockExt)
}

func (t *lockTable) acquire(ctx context.Context, name, key string, opts LockOptions) error {
	opts = opts.withDefaults()
	start := time.Now()
	p := t.path(name)
	for {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultPerm)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			t.mu.Lock()
			t.held[name] = time.AfterFunc(opts.Timeout, func() { _ = t.release(name) })
			t.mu.Unlock()
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("file: lock %q: %w", key, err)
		}
		if fi, err := os.Stat(p); err == nil && time.Since(fi.ModTime()) > opts.Timeout {
			_ = os.Remove(p) // stale
			continue
		}
		waited := time.Since(start)
		if waited >= opts.MaxWait {
			return &pr.LockTimeoutError{Key: key, Waited: waited}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

func (t *lockTable) release(name string) error {
	t.mu.Lock()
	if tm, ok := t.held[name]; ok {
		tm.Stop()
		delete(t.held, name)
	}
	t.mu.Unlock()
	err := os.Remove(t.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file: unlock: %w", err)
	}
	return nil
}

func (t *lockTable) releaseAll() {
	t.mu.Lock()
	names := make([]string, 0, len(t.held))
	for n := range t.held {
		names = append(names, n)
	}
	t.mu.Unlock()
	for _, n := range names {
		_ = t.release(n)
	}
}

// encodeName maps a key to a file-system safe name. Bytes outside
// [A-Za-z0-9._-] are written as %XX; a leading '.' is escaped too so no key
// maps to a hidden file, "." or "..".
func encodeName(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func decodeName(name string) (string, bool) {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		v, err := strconv.ParseUint(name[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}
