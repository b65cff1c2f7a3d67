package sessionstate_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/sessionstate"
)

type fakeCache struct {
	mu     sync.Mutex
	sealed []byte
}

func (f *fakeCache) FetchLocalSessionContext(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealed, nil
}

func (f *fakeCache) UpdateLocalSessionContext(ctx context.Context, sealed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = sealed
	return nil
}

func (f *fakeCache) CreateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (f *fakeCache) FetchAllSessionIdentities(ctx context.Context) ([]identity.SessionIdentity, error) {
	return nil, nil
}
func (f *fakeCache) UpdateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (f *fakeCache) DeleteSessionIdentity(ctx context.Context, id uuid.UUID) error { return nil }

type fakeAppKeys struct{ key []byte }

func (f fakeAppKeys) SymmetricKey(ctx context.Context) ([]byte, error) { return f.key, nil }

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func seedContext(secretName string) identity.SessionContext {
	deviceID := uuid.New()
	return identity.SessionContext{
		SessionUser: identity.SessionUser{
			SecretName: secretName,
			DeviceID:   deviceID,
			DeviceKeys: identity.DeviceKeys{DeviceID: deviceID},
		},
		DatabaseEncryptionKey: testKey(),
		ActiveUserConfiguration: identity.UserConfiguration{
			SigningPublic: []byte("signing-public"),
		},
	}
}

func TestLoadReturnsSeededContext(t *testing.T) {
	initial := seedContext("alice")
	co := sessionstate.New(initial, &fakeCache{}, fakeAppKeys{key: testKey()})

	loaded := co.Load()
	require.Equal(t, "alice", loaded.SessionUser.SecretName)
	require.Equal(t, initial.SessionUser.DeviceID, loaded.SessionUser.DeviceID)
}

func TestMutateCommitPersistsAndInstalls(t *testing.T) {
	ctx := context.Background()
	initial := seedContext("alice")
	cache := &fakeCache{}
	co := sessionstate.New(initial, cache, fakeAppKeys{key: testKey()})

	err := co.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		sc.SessionContextID++
		return sc, true, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), co.Load().SessionContextID)
	require.NotEmpty(t, cache.sealed)
}

func TestMutateNoCommitLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	initial := seedContext("alice")
	cache := &fakeCache{}
	co := sessionstate.New(initial, cache, fakeAppKeys{key: testKey()})

	err := co.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		sc.SessionContextID = 99
		return sc, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), co.Load().SessionContextID)
	require.Empty(t, cache.sealed)
}

func TestMutatePropagatesCallbackError(t *testing.T) {
	ctx := context.Background()
	initial := seedContext("alice")
	co := sessionstate.New(initial, &fakeCache{}, fakeAppKeys{key: testKey()})

	err := co.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		return sc, true, context.Canceled
	})
	require.Error(t, err)
	require.Equal(t, int64(0), co.Load().SessionContextID)
}

func TestRestoreRoundTripsThroughMutate(t *testing.T) {
	ctx := context.Background()
	initial := seedContext("alice")
	cache := &fakeCache{}
	appKeys := fakeAppKeys{key: testKey()}
	co := sessionstate.New(initial, cache, appKeys)

	require.NoError(t, co.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		sc.SessionContextID = 7
		return sc, true, nil
	}))

	restored, ok, err := sessionstate.Restore(ctx, cache, appKeys)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", restored.SessionUser.SecretName)
	require.Equal(t, int64(7), restored.SessionContextID)
}

func TestRestoreReportsNotOkWhenNothingCached(t *testing.T) {
	ctx := context.Background()
	restored, ok, err := sessionstate.Restore(ctx, &fakeCache{}, fakeAppKeys{key: testKey()})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, identity.SessionContext{}, restored)
}

func TestRestoreFailsWithWrongKey(t *testing.T) {
	ctx := context.Background()
	initial := seedContext("alice")
	cache := &fakeCache{}
	co := sessionstate.New(initial, cache, fakeAppKeys{key: testKey()})
	require.NoError(t, co.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		return sc, true, nil
	}))

	wrongKey := make([]byte, 32)
	_, _, err := sessionstate.Restore(ctx, cache, fakeAppKeys{key: wrongKey})
	require.Error(t, err)
}
