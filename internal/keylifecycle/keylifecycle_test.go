package keylifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/keylifecycle"
	"github.com/coriolis-chat/pqsession/internal/sessionstate"
	"github.com/coriolis-chat/pqsession/internal/transport"
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

type fakeTransport struct {
	mu       sync.Mutex
	rotated  []transport.RotatedKeysPayload
	published []identity.UserConfiguration
}

func (f *fakeTransport) FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error) {
	return identity.UserConfiguration{}, nil
}
func (f *fakeTransport) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (transport.OneTimeKeyIDs, error) {
	return transport.OneTimeKeyIDs{}, nil
}
func (f *fakeTransport) PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, config)
	return nil
}
func (f *fakeTransport) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload transport.RotatedKeysPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated = append(f.rotated, payload)
	return nil
}
func (f *fakeTransport) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	return nil
}

var _ transport.Delegate = (*fakeTransport)(nil)

func newCoordinator(t *testing.T, sc identity.SessionContext) *sessionstate.Coordinator {
	t.Helper()
	return sessionstate.New(sc, &fakeCache{}, fakeAppKeys{key: newTestKey(t)})
}

func newTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func deviceContext(t *testing.T) (identity.SessionContext, pqcrypto.SigningKeyPair) {
	t.Helper()
	signing, err := pqcrypto.GenSigningKeypair()
	require.NoError(t, err)
	longTerm, err := pqcrypto.GenClassicalKEMKeypair()
	require.NoError(t, err)
	pqkem, err := pqcrypto.GenPQKEMKeypair()
	require.NoError(t, err)

	deviceID := uuid.New()
	device := identity.UserDeviceConfiguration{
		DeviceID:         deviceID,
		IsMaster:         true,
		SigningPublic:    []byte(signing.Public),
		LongTermPublic:   longTerm.Public[:],
		FinalPQKemPublic: pqkem.PublicRaw,
	}
	sig := pqcrypto.Sign(signing.Private, mustCanonical(t, device))

	sc := identity.SessionContext{
		SessionUser: identity.SessionUser{
			SecretName: "alice",
			DeviceID:   deviceID,
			DeviceKeys: identity.DeviceKeys{
				DeviceID:          deviceID,
				SigningPrivate:    []byte(signing.Private),
				LongTermPrivate:   longTerm.Private[:],
				FinalPQKemPrivate: pqkem.PrivateEncoded,
				RotateKeysAt:      time.Now().UTC(),
			},
		},
		ActiveUserConfiguration: identity.UserConfiguration{
			SigningPublic: []byte(signing.Public),
			SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
		},
	}
	return sc, signing
}

func mustCanonical(t *testing.T, d identity.UserDeviceConfiguration) []byte {
	t.Helper()
	doc, err := bson.Marshal(d)
	require.NoError(t, err)
	return doc
}

func TestRefillOneTimeKeysAppendsBatchAndPublishes(t *testing.T) {
	ctx := context.Background()
	sc, _ := deviceContext(t)
	coord := newCoordinator(t, sc)
	ft := &fakeTransport{}
	mgr := keylifecycle.New(coord, ft, nil, 5, 7*24*time.Hour)

	require.NoError(t, mgr.RefillOneTimeKeys(ctx, keylifecycle.Classical))

	updated := coord.Load()
	require.Len(t, updated.ActiveUserConfiguration.SignedOneTimeClassical, 5)
	require.Len(t, updated.SessionUser.DeviceKeys.OneTimeClassicalPrivs, 5)
	require.Len(t, ft.published, 1)
}

func TestRotatePQKEMIfNeededSkipsBeforeInterval(t *testing.T) {
	ctx := context.Background()
	sc, _ := deviceContext(t)
	coord := newCoordinator(t, sc)
	ft := &fakeTransport{}
	mgr := keylifecycle.New(coord, ft, nil, 5, 7*24*time.Hour)

	rotated, err := mgr.RotatePQKEMIfNeeded(ctx)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Empty(t, ft.rotated)
}

func TestRotatePQKEMIfNeededRotatesAfterInterval(t *testing.T) {
	ctx := context.Background()
	sc, _ := deviceContext(t)
	sc.SessionUser.DeviceKeys.RotateKeysAt = time.Now().Add(-8 * 24 * time.Hour)
	coord := newCoordinator(t, sc)
	ft := &fakeTransport{}
	mgr := keylifecycle.New(coord, ft, nil, 5, 7*24*time.Hour)

	oldPub := sc.SessionUser.DeviceKeys.FinalPQKemPrivate

	rotated, err := mgr.RotatePQKEMIfNeeded(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Len(t, ft.rotated, 1)

	updated := coord.Load()
	require.NotEqual(t, oldPub, updated.SessionUser.DeviceKeys.FinalPQKemPrivate)
}

func TestRotateAllOnCompromiseReplacesAllMaterial(t *testing.T) {
	ctx := context.Background()
	sc, _ := deviceContext(t)
	coord := newCoordinator(t, sc)
	ft := &fakeTransport{}
	mgr := keylifecycle.New(coord, ft, nil, 5, 7*24*time.Hour)

	before := coord.Load()
	require.NoError(t, mgr.RotateAllOnCompromise(ctx))
	after := coord.Load()

	require.NotEqual(t, before.SessionUser.DeviceKeys.SigningPrivate, after.SessionUser.DeviceKeys.SigningPrivate)
	require.NotEqual(t, before.SessionUser.DeviceKeys.LongTermPrivate, after.SessionUser.DeviceKeys.LongTermPrivate)
	require.NotEqual(t, before.SessionUser.DeviceKeys.FinalPQKemPrivate, after.SessionUser.DeviceKeys.FinalPQKemPrivate)
	require.Len(t, ft.rotated, 1)
}

func TestEnableDisableGatesScheduler(t *testing.T) {
	ctx := context.Background()
	sc, _ := deviceContext(t)
	coord := newCoordinator(t, sc)
	ft := &fakeTransport{}
	mgr := keylifecycle.New(coord, ft, nil, 5, 7*24*time.Hour)

	mgr.Disable()
	mgr.Start(ctx)
	mgr.Stop()

	mgr.Enable()
}
