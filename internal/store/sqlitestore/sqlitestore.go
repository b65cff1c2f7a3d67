// Package sqlitestore is an embedded SQLite-backed IdentityStore, for the
// common single-device client case where a shared Postgres isn't available.
// Grounded on this pack's shared use of github.com/mattn/go-sqlite3 as the
// embedded-database driver of choice (the teacher itself, and
// meszmate-roster).
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/store"
)

// Store wraps a *sql.DB connection to a local SQLite file.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS session_identities (
	id          TEXT PRIMARY KEY,
	secret_name TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	blob        BLOB NOT NULL,
	UNIQUE (secret_name, device_id)
);
`

// New opens (creating if necessary) a SQLite-backed Store at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, id identity.SessionIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_identities (id, secret_name, device_id, blob) VALUES (?, ?, ?, ?)`,
		id.ID.String(), id.SecretName, id.DeviceID.String(), id.EncryptedBlob)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrDuplicateID
	}
	return err
}

func (s *Store) FetchAll(ctx context.Context) ([]identity.SessionIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, secret_name, device_id, blob FROM session_identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.SessionIdentity
	for rows.Next() {
		var idStr, deviceStr string
		var rec identity.SessionIdentity
		if err := rows.Scan(&idStr, &rec.SecretName, &deviceStr, &rec.EncryptedBlob); err != nil {
			return nil, err
		}
		rec.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse id: %w", err)
		}
		rec.DeviceID, err = uuid.Parse(deviceStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse device id: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, id identity.SessionIdentity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_identities SET secret_name = ?, device_id = ?, blob = ? WHERE id = ?`,
		id.SecretName, id.DeviceID.String(), id.EncryptedBlob, id.ID.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_identities WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
