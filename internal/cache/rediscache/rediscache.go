// Package rediscache is a Redis-backed cache delegate for the sealed
// SessionContext blob plus a passthrough of the four identity-store
// operations, grounded on the teacher's internal/inbox/redis_inbox.go and
// internal/pubsub/redis.go client construction and key-naming conventions.
package rediscache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coriolis-chat/pqsession/internal/cache"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/store"
)

var _ cache.Delegate = (*Delegate)(nil)

// Delegate caches the sealed SessionContext in Redis under a single key per
// local user, and forwards identity-store operations to an underlying
// IdentityStore (typically pgstore or sqlitestore — Redis is not a good fit
// for the identity store's own durability requirements).
type Delegate struct {
	client     *redis.Client
	ctx        context.Context
	secretName string
	identities store.IdentityStore
}

// New creates a Redis-backed cache delegate for the given local user,
// delegating identity-store operations to identities.
func New(client *redis.Client, secretName string, identities store.IdentityStore) *Delegate {
	return &Delegate{client: client, ctx: context.Background(), secretName: secretName, identities: identities}
}

func (d *Delegate) sessionContextKey() string {
	return fmt.Sprintf("pqsession:context:%s", d.secretName)
}

func (d *Delegate) FetchLocalSessionContext(ctx context.Context) ([]byte, error) {
	val, err := d.client.Get(ctx, d.sessionContextKey()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (d *Delegate) UpdateLocalSessionContext(ctx context.Context, sealed []byte) error {
	return d.client.Set(ctx, d.sessionContextKey(), sealed, 0).Err()
}

func (d *Delegate) CreateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return d.identities.Create(ctx, id)
}

func (d *Delegate) FetchAllSessionIdentities(ctx context.Context) ([]identity.SessionIdentity, error) {
	return d.identities.FetchAll(ctx)
}

func (d *Delegate) UpdateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return d.identities.Update(ctx, id)
}

func (d *Delegate) DeleteSessionIdentity(ctx context.Context, id uuid.UUID) error {
	return d.identities.Delete(ctx, id)
}
