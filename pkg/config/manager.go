package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/relay/pkg/store"
)

// Listener is notified with the full new settings record after a
// change has been persisted.
type Listener func(Settings)

// Manager owns the in-memory settings snapshot, keeps it in sync with
// the persistent store, and fans out change notifications. The store
// record is always written before listeners observe the change.
type Manager struct {
	store     store.Store
	mu        sync.RWMutex
	current   Settings
	listeners []Listener
}

// NewManager creates a manager over the given store. Call Load before
// first use.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s, current: Defaults()}
}

// Load reads the settings record, seeding the store with defaults when
// no record exists yet.
func (m *Manager) Load(ctx context.Context) error {
	var loaded Settings
	err := store.GetJSON(ctx, m.store, store.KeySettings, &loaded)
	if errors.Is(err, store.ErrNotFound) {
		loaded = Defaults()
		if err := store.PutJSON(ctx, m.store, store.KeySettings, loaded); err != nil {
			return fmt.Errorf("config: seed defaults: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("config: load settings: %w", err)
	}

	m.mu.Lock()
	m.current = loaded
	m.mu.Unlock()
	return nil
}

// Current returns a copy of the active settings record.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.current
	s.WatchPatterns = append([]string(nil), m.current.WatchPatterns...)
	return s
}

// Update applies mutate to a copy of the current record, persists the
// full replacement, then notifies listeners. Persist-before-notify: a
// crash between the two loses only the notification, never the record.
func (m *Manager) Update(ctx context.Context, mutate func(*Settings)) error {
	m.mu.Lock()
	next := m.current
	next.WatchPatterns = append([]string(nil), m.current.WatchPatterns...)
	mutate(&next)
	if err := store.PutJSON(ctx, m.store, store.KeySettings, next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("config: persist settings: %w", err)
	}
	m.current = next
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Subscribe registers a change listener. Listeners run on the mutating
// goroutine and must not block.
func (m *Manager) Subscribe(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Resync reloads the settings record from the store and notifies
// listeners if it differs from the in-memory snapshot. This self-heals
// from change notifications missed while the process was asleep.
func (m *Manager) Resync(ctx context.Context) (bool, error) {
	var loaded Settings
	err := store.GetJSON(ctx, m.store, store.KeySettings, &loaded)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config: resync: %w", err)
	}

	m.mu.Lock()
	if m.current.Equal(loaded) {
		m.mu.Unlock()
		return false, nil
	}
	m.current = loaded
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(loaded)
	}
	return true, nil
}

// Watch observes the store snapshot file for writes made by other
// processes (the settings surface) and resyncs on each change. It
// blocks until ctx is done, so run it on its own goroutine. Only
// meaningful for file-backed stores.
func (m *Manager) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if reloader, ok := m.store.(interface{ Reload() error }); ok {
					_ = reloader.Reload()
				}
				_, _ = m.Resync(ctx)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watch errors are not fatal; the periodic resync covers us.
		}
	}
}
