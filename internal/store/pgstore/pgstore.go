// Package pgstore is a PostgreSQL-backed IdentityStore, grounded on the
// teacher's internal/db/postgres.go PostgresDB wrapper: a thin struct over
// *sql.DB, $N-placeholder SQL, one typed method per operation.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/store"
)

// Store wraps a *sql.DB connection pointed at a session_identities table.
// Only id, secret_name and device_id are plaintext columns — blob carries
// the AEAD-sealed BSON props, per spec.md §3's indexing invariant.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed Store and verifies connectivity, following
// NewPostgresDB's connection-pool configuration.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Schema is the DDL for the session_identities table, applied by callers via
// their own migration tooling (golang-migrate, as marmos91-dittofs uses, is
// the natural fit but out of scope for this library to own).
const Schema = `
CREATE TABLE IF NOT EXISTS session_identities (
	id          UUID PRIMARY KEY,
	secret_name TEXT NOT NULL,
	device_id   UUID NOT NULL,
	blob        BYTEA NOT NULL,
	UNIQUE (secret_name, device_id)
);
`

func (s *Store) Create(ctx context.Context, id identity.SessionIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_identities (id, secret_name, device_id, blob)
		VALUES ($1, $2, $3, $4)`,
		id.ID, id.SecretName, id.DeviceID, id.EncryptedBlob)
	if isUniqueViolation(err) {
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
		var rec identity.SessionIdentity
		if err := rows.Scan(&rec.ID, &rec.SecretName, &rec.DeviceID, &rec.EncryptedBlob); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, id identity.SessionIdentity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_identities SET secret_name = $2, device_id = $3, blob = $4 WHERE id = $1`,
		id.ID, id.SecretName, id.DeviceID, id.EncryptedBlob)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_identities WHERE id = $1`, id)
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

// pgUniqueViolation is PostgreSQL's error code for a unique_violation.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
