package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Credential is the persisted shape from spec.md §4.G:
// {token, location, company, acquired_at}.
type Credential struct {
	Token      string
	Location   string
	Company    string
	AcquiredAt time.Time
}

// ErrNoCredential is returned by Store.Load when no row has been
// persisted yet.
var ErrNoCredential = errors.New("auth: no persisted credential")

// Store persists the single live credential row to a local SQLite
// file, pure Go via modernc.org/sqlite so the gateway binary stays
// cgo-free for cross-compilation.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the SQLite file at path and
// applies pending migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts the single credential row (id is pinned to 1 by the
// schema's CHECK constraint).
func (s *Store) Save(c Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, token, location, company, acquired_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			location = excluded.location,
			company = excluded.company,
			acquired_at = excluded.acquired_at
	`, c.Token, c.Location, c.Company, c.AcquiredAt)
	if err != nil {
		return fmt.Errorf("auth: save credential: %w", err)
	}
	return nil
}

// Load returns the persisted credential, or ErrNoCredential if none
// has ever been saved.
func (s *Store) Load() (Credential, error) {
	var c Credential
	row := s.db.QueryRow(`SELECT token, location, company, acquired_at FROM credentials WHERE id = 1`)
	if err := row.Scan(&c.Token, &c.Location, &c.Company, &c.AcquiredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, fmt.Errorf("auth: load credential: %w", err)
	}
	return c, nil
}

// Clear removes the persisted credential, used when a reused token
// turns out to be invalid at startup.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("auth: clear credential: %w", err)
	}
	return nil
}
