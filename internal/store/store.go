// Package store defines the session identity store contract (C3): the
// persistence boundary for SessionIdentity records. The store never
// interprets props — it only moves encrypted blobs plus the small set of
// plaintext columns needed for indexing.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
)

// IdentityStore is the C3 contract: create/fetch_all/update/delete.
// Operations on the same id are serializable; operations on distinct ids
// may run concurrently (spec.md §4.3).
type IdentityStore interface {
	Create(ctx context.Context, id identity.SessionIdentity) error
	FetchAll(ctx context.Context) ([]identity.SessionIdentity, error)
	Update(ctx context.Context, id identity.SessionIdentity) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ErrDuplicateID is returned by Create when the id already exists in the
// store, per spec.md §4.3 ("Duplicate create on the same id is an error").
var ErrDuplicateID = errDuplicateID{}

type errDuplicateID struct{}

func (errDuplicateID) Error() string { return "store: identity with this id already exists" }

// ErrNotFound is returned by Update/Delete when the id is not present.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: identity not found" }
