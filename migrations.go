package polystore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Migration is a named, idempotent step run at most once per manager (or
// once per store when Options.MigrationsKey is set).
type Migration struct {
	Name string
	Up   func(ctx context.Context, m *Manager) error
}

type RunOptions struct {
	StopOnError bool
}

type MigrationResult struct {
	Name    string
	Skipped bool // already applied
	Err     error
}

// AddMigration appends a step. Steps run in the order they were added.
func (m *Manager) AddMigration(mig Migration) error {
	if mig.Name == "" || mig.Up == nil {
		return fmt.Errorf("polystore: migration needs a name and an Up func")
	}
	m.migMu.Lock()
	defer m.migMu.Unlock()
	for _, have := range m.migrations {
		if have.Name == mig.Name {
			return fmt.Errorf("polystore: migration %q already added: %w", mig.Name, pr.ErrConflict)
		}
	}
	m.migrations = append(m.migrations, mig)
	return nil
}

// RunMigrations runs every pending step in order. Failed steps stay pending.
// The returned error joins every step failure.
func (m *Manager) RunMigrations(ctx context.Context, opts RunOptions) ([]MigrationResult, error) {
	m.migMu.Lock()
	defer m.migMu.Unlock()
	if err := m.loadAppliedLocked(ctx); err != nil {
		return nil, err
	}

	var (
		results []MigrationResult
		errs    []error
	)
	for _, mig := range m.migrations {
		if m.applied[mig.Name] {
			results = append(results, MigrationResult{Name: mig.Name, Skipped: true})
			continue
		}
		if err := mig.Up(ctx, m); err != nil {
			err = fmt.Errorf("migration %q: %w", mig.Name, err)
			results = append(results, MigrationResult{Name: mig.Name, Err: err})
			errs = append(errs, err)
			m.log.Error("polystore: migration failed", Fields{"migration": mig.Name, "err": err})
			if opts.StopOnError {
				break
			}
			continue
		}
		m.applied[mig.Name] = true
		if err := m.storeAppliedLocked(ctx); err != nil {
			m.log.Warn("polystore: persisting applied migrations failed", Fields{"err": err})
		}
		results = append(results, MigrationResult{Name: mig.Name})
		m.log.Info("polystore: migration applied", Fields{"migration": mig.Name})
		m.hooks.MigrationApplied(mig.Name)
	}
	return results, errors.Join(errs...)
}

// AppliedMigrations returns the names of applied steps, sorted.
func (m *Manager) AppliedMigrations(ctx context.Context) ([]string, error) {
	m.migMu.Lock()
	defer m.migMu.Unlock()
	if err := m.loadAppliedLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.applied))
	for n := range m.applied {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) loadAppliedLocked(ctx context.Context) error {
	if m.migrationsKey == "" || m.loadedApplied {
		return nil
	}
	v, ok, err := m.Get(ctx, m.migrationsKey, NoFallback())
	if err != nil {
		return fmt.Errorf("polystore: load applied migrations: %w", err)
	}
	if ok {
		switch names := v.(type) {
		case []string:
			for _, n := range names {
				m.applied[n] = true
			}
		case []any:
			// decoded through a codec
			for _, n := range names {
				if s, ok := n.(string); ok {
					m.applied[s] = true
				}
			}
		default:
			return fmt.Errorf("polystore: applied migrations under %q: unexpected %T", m.migrationsKey, v)
		}
	}
	m.loadedApplied = true
	return nil
}

func (m *Manager) storeAppliedLocked(ctx context.Context) error {
	if m.migrationsKey == "" {
		return nil
	}
	names := make([]string, 0, len(m.applied))
	for n := range m.applied {
		names = append(names, n)
	}
	sort.Strings(names)
	return m.Set(ctx, m.migrationsKey, names, 0)
}
