// Package store keeps named machine snapshots in a SQLite database.
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/cinder/vm"
)

// ErrNotFound indicates the requested snapshot doesn't exist.
var ErrNotFound = errors.New("snapshot not found")

var log = commonlog.GetLogger("cinder.store")

// Entry describes one stored snapshot.
type Entry struct {
	ID      uuid.UUID
	Name    string
	Created time.Time
	Size    int64
}

// Store handles SQLite storage for snapshots.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the store at path, creating parent directories.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps in-memory databases coherent.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created INTEGER NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened snapshot store %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save snapshots m and stores it under name, replacing any previous entry.
func (s *Store) Save(name string, m *vm.VM) (Entry, error) {
	data, err := m.Snapshot()
	if err != nil {
		return Entry{}, fmt.Errorf("snapshotting machine %s: %w", m.ID(), err)
	}
	return s.Put(name, data)
}

// Put stores raw snapshot bytes under name after checking the header.
func (s *Store) Put(name string, data []byte) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("snapshot needs a name")
	}
	if _, err := vm.ReadSnapshotHeader(bytes.NewReader(data)); err != nil {
		return Entry{}, fmt.Errorf("storing %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{
		ID:      uuid.New(),
		Name:    name,
		Created: time.Now().UTC().Truncate(time.Second),
		Size:    int64(len(data)),
	}
	_, err := s.db.Exec(
		`INSERT INTO snapshots (id, name, created, size, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id, created = excluded.created,
			size = excluded.size, data = excluded.data`,
		e.ID.String(), e.Name, e.Created.Unix(), e.Size, data,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("saving snapshot: %w", err)
	}
	log.Infof("stored snapshot %q (%s, %d bytes)", name, e.ID, e.Size)
	return e, nil
}

// Get retrieves the snapshot bytes stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return data, nil
}

// Restore loads the snapshot stored under name into m. The machine must be
// fresh, with the natives, external types and subsystems the snapshot
// names already registered.
func (s *Store) Restore(name string, m *vm.VM) error {
	data, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := m.Restore(data); err != nil {
		log.Errorf("restoring %q into machine %s: %s", name, m.ID(), err)
		return fmt.Errorf("restoring %q: %w", name, err)
	}
	return nil
}

// List returns all entries ordered by name.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, name, created, size FROM snapshots ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id      string
			e       Entry
			created int64
		)
		if err := rows.Scan(&id, &e.Name, &created, &e.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("snapshot %q has bad id %q: %w", e.Name, id, err)
		}
		e.Created = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the snapshot stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM snapshots WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	log.Infof("deleted snapshot %q", name)
	return nil
}
