// Package cache defines the cache delegate contract (§6): persistence for
// the sealed SessionContext and a passthrough to the session identity
// store's four operations, for implementations that want to share one
// backing store across both.
package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
)

// Delegate is the cache delegate contract of spec.md §6.
type Delegate interface {
	FetchLocalSessionContext(ctx context.Context) ([]byte, error)
	UpdateLocalSessionContext(ctx context.Context, sealed []byte) error

	CreateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error
	FetchAllSessionIdentities(ctx context.Context) ([]identity.SessionIdentity, error)
	UpdateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error
	DeleteSessionIdentity(ctx context.Context, id uuid.UUID) error
}
