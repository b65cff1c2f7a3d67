// Package sessionstate provides the single serialization point over a
// SessionContext, grounded on spec.md §9's re-architecture note: "one
// owning task (or one mutex) guarding SessionContext and the
// refreshed-names set... do not hold the session lock across transport
// I/O." The key lifecycle manager (C5) and the root session type share one
// Coordinator so read-modify-write sequences against SessionContext are
// linearizable.
package sessionstate

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/coriolis-chat/pqsession/internal/cache"
	"github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/sessionerr"
)

// AppKeyProvider is the app-provided symmetric-key collaborator of spec.md
// §2: the key the SessionContext itself is sealed under, distinct from the
// DatabaseEncryptionKey carried inside the context for sealing
// SessionIdentity records.
type AppKeyProvider interface {
	SymmetricKey(ctx context.Context) ([]byte, error)
}

// Coordinator owns the single mutex guarding SessionContext mutation.
type Coordinator struct {
	mu      sync.Mutex
	ctx     identity.SessionContext
	cache   cache.Delegate
	appKeys AppKeyProvider
}

// New creates a Coordinator seeded with the given context.
func New(initial identity.SessionContext, c cache.Delegate, appKeys AppKeyProvider) *Coordinator {
	return &Coordinator{ctx: initial, cache: c, appKeys: appKeys}
}

// Load returns a copy of the current SessionContext.
func (co *Coordinator) Load() identity.SessionContext {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.ctx
}

// Mutate runs fn with exclusive access to the current context (spec.md §5's
// serialization point). If fn returns commit=true, the atomicity discipline
// of spec.md §4.5 steps (1)-(6) is applied: seal the next context under the
// app symmetric key, persist it through the cache delegate, then install it
// in memory. Publication to the transport (step 7) is the caller's
// responsibility, performed after Mutate returns so the lock is never held
// across network I/O.
func (co *Coordinator) Mutate(ctx context.Context, fn func(identity.SessionContext) (next identity.SessionContext, commit bool, err error)) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	next, commit, err := fn(co.ctx)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}

	if err := co.persist(ctx, next); err != nil {
		return err
	}
	co.ctx = next
	return nil
}

func (co *Coordinator) persist(ctx context.Context, next identity.SessionContext) error {
	key, err := co.appKeys.SymmetricKey(ctx)
	if err != nil {
		return sessionerr.ErrConfiguration("app symmetric key unavailable", err)
	}

	doc, err := bson.Marshal(next.ToProps())
	if err != nil {
		return sessionerr.ErrEncryption("marshal session context", err)
	}
	sealed, err := crypto.AEADSeal(key, doc)
	if err != nil {
		return sessionerr.ErrEncryption("seal session context", err)
	}
	if err := co.cache.UpdateLocalSessionContext(ctx, sealed); err != nil {
		return fmt.Errorf("sessionstate: persist session context: %w", err)
	}
	return nil
}

// Restore loads and decrypts a previously sealed SessionContext from the
// cache delegate. Returns ok=false if no sealed context is cached yet.
func Restore(ctx context.Context, c cache.Delegate, appKeys AppKeyProvider) (identity.SessionContext, bool, error) {
	sealed, err := c.FetchLocalSessionContext(ctx)
	if err != nil {
		return identity.SessionContext{}, false, fmt.Errorf("sessionstate: fetch local session context: %w", err)
	}
	if sealed == nil {
		return identity.SessionContext{}, false, nil
	}

	key, err := appKeys.SymmetricKey(ctx)
	if err != nil {
		return identity.SessionContext{}, false, sessionerr.ErrConfiguration("app symmetric key unavailable", err)
	}
	plaintext, err := crypto.AEADOpen(key, sealed)
	if err != nil {
		return identity.SessionContext{}, false, sessionerr.ErrDecryption("open session context", err)
	}
	var props identity.SessionContextProps
	if err := bson.Unmarshal(plaintext, &props); err != nil {
		return identity.SessionContext{}, false, sessionerr.ErrDecryption("decode session context", err)
	}
	return identity.FromProps(props), true, nil
}
