// Package store persists compiled programs in a content-addressed SQLite
// database. Programs are keyed by the hex SHA-256 of their canonical wire
// encoding, so storing the same program twice yields one row.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/perch-lang/perch/vm"
)

// ErrNotFound reports a digest or name with no stored program.
var ErrNotFound = errors.New("program not found")

// Store is an open program database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	digest  TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	data    BLOB NOT NULL,
	created INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS programs_name ON programs(name);
`

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a program under name and returns its content digest. A
// program already present keeps its row; the name is updated.
func (s *Store) Put(name string, p *vm.Program) (string, error) {
	data, err := vm.EncodeProgram(p)
	if err != nil {
		return "", fmt.Errorf("encoding program: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	_, err = s.db.Exec(
		`INSERT INTO programs (digest, name, data) VALUES (?, ?, ?)
		 ON CONFLICT(digest) DO UPDATE SET name = excluded.name`,
		digest, name, data)
	if err != nil {
		return "", fmt.Errorf("storing program: %w", err)
	}
	return digest, nil
}

// Get loads the program with the given digest.
func (s *Store) Get(digest string) (*vm.Program, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM programs WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading program: %w", err)
	}
	return vm.DecodeProgram(data)
}

// GetByName loads the most recently stored program with the given name.
func (s *Store) GetByName(name string) (*vm.Program, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM programs WHERE name = ? ORDER BY created DESC, digest LIMIT 1`,
		name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading program: %w", err)
	}
	return vm.DecodeProgram(data)
}

// Entry describes one stored program.
type Entry struct {
	Digest string
	Name   string
}

// List returns every stored program, ordered by name.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT digest, name FROM programs ORDER BY name, digest`)
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Digest, &e.Name); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
