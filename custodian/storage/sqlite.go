package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrKeyNotFound is returned when a key has no stored value.
var ErrKeyNotFound = errors.New("storage: key not found")

// Store is a durable key-value store backed by a single sqlite table.
// Values are opaque byte blobs; callers pick their own encoding.
//
// The store carries a change-notification feed: watchers registered for a
// key are invoked after every successful Put or Delete of that key, with
// the new value (nil on delete). Callbacks run on the mutating goroutine,
// so they must not call back into the store's write path.
type Store struct {
	db *sql.DB

	mu sync.RWMutex

	watchMu   sync.Mutex
	watchers  map[int64]watcher
	nextWatch int64
}

type watcher struct {
	key string
	fn  func(value []byte)
}

// Open opens (creating if needed) the store at path. An empty path opens
// an in-memory database, which is what the tests use.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// A single connection keeps in-memory databases coherent and spares
	// file-backed ones from writer lock contention.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:       db,
		watchers: make(map[int64]watcher),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	_, err := s.db.Exec(
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}

	s.notify(key, value)
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is
// not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	res, err := s.db.Exec("DELETE FROM config WHERE key = ?", key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(key, nil)
	}
	return nil
}

// Watch registers fn to observe changes to key. The returned cancel
// function removes the registration.
func (s *Store) Watch(key string, fn func(value []byte)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = watcher{key: key, fn: fn}
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store) notify(key string, value []byte) {
	s.watchMu.Lock()
	var fns []func([]byte)
	for _, w := range s.watchers {
		if w.key == key {
			fns = append(fns, w.fn)
		}
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
