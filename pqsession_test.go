package pqsession_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	pqsession "github.com/coriolis-chat/pqsession"
	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/keylifecycle"
	"github.com/coriolis-chat/pqsession/internal/receiver"
	"github.com/coriolis-chat/pqsession/internal/store/memstore"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

// fakeTransport is an in-memory transport.Delegate double, holding one
// configuration per secret name, shared by the end-to-end scenarios below.
type fakeTransport struct {
	mu          sync.Mutex
	configs     map[string]identity.UserConfiguration
	oneTimeKeys map[uuid.UUID]transport.OneTimeKeyIDs
	rotated     []transport.RotatedKeysPayload
	published   []identity.UserConfiguration
	notified    []transport.IdentityCreationPayload
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		configs:     map[string]identity.UserConfiguration{},
		oneTimeKeys: map[uuid.UUID]transport.OneTimeKeyIDs{},
	}
}

func (f *fakeTransport) seed(secretName string, config identity.UserConfiguration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[secretName] = config
}

func (f *fakeTransport) FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[secretName], nil
}

func (f *fakeTransport) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (transport.OneTimeKeyIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oneTimeKeys[deviceID], nil
}

func (f *fakeTransport) PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, config)
	// The local user republishes its own configuration under its own
	// secret name so a subsequent FindConfiguration sees the update.
	for name, existing := range f.configs {
		if existing.SigningPublic != nil && sameDeviceSet(existing, config) {
			f.configs[name] = config
		}
	}
	return nil
}

func sameDeviceSet(a, b identity.UserConfiguration) bool {
	if len(a.SignedDevices) != len(b.SignedDevices) {
		return false
	}
	for i := range a.SignedDevices {
		if a.SignedDevices[i].Device.DeviceID != b.SignedDevices[i].Device.DeviceID {
			return false
		}
	}
	return true
}

func (f *fakeTransport) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload transport.RotatedKeysPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated = append(f.rotated, payload)
	if cfg, ok := f.configs[secretName]; ok {
		cfg.SigningPublic = payload.SigningPublicOfDevice
		for i, sd := range cfg.SignedDevices {
			if sd.Device.DeviceID == payload.ResignedDevice.Device.DeviceID {
				cfg.SignedDevices[i] = payload.ResignedDevice
			}
		}
		f.configs[secretName] = cfg
	}
	return nil
}

func (f *fakeTransport) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, payload)
	return nil
}

var _ transport.Delegate = (*fakeTransport)(nil)

// fakeCache is a cache.Delegate double that only implements the sealed
// SessionContext half; the identity passthrough methods are unused by the
// scenarios below because Builder is also given a direct store.IdentityStore.
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

type recordingReceiver struct {
	mu       sync.Mutex
	created  []identity.SessionIdentity
	removed  []uuid.UUID
	rotated  int
	compromised int
}

func (r *recordingReceiver) OnIdentityCreated(secretName string, id identity.SessionIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, id)
}

func (r *recordingReceiver) OnIdentityRemoved(secretName string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recordingReceiver) OnKeysRotated(secretName string, deviceID uuid.UUID, emergency bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emergency {
		r.compromised++
	} else {
		r.rotated++
	}
}

var _ receiver.Delegate = (*recordingReceiver)(nil)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	return key
}

// newLocalDevice builds a bootstrap SessionContext for a freshly
// provisioned local device, the way a client would on first run.
func newLocalDevice(t *testing.T, secretName string) (identity.SessionContext, pqcrypto.SigningKeyPair) {
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
		DeviceName:       "primary",
		IsMaster:         true,
		SigningPublic:    []byte(signing.Public),
		LongTermPublic:   longTerm.Public[:],
		FinalPQKemPublic: pqkem.PublicRaw,
	}
	sig := pqcrypto.Sign(signing.Private, canonical(t, device))

	sc := identity.SessionContext{
		SessionUser: identity.SessionUser{
			SecretName: secretName,
			DeviceID:   deviceID,
			DeviceKeys: identity.DeviceKeys{
				DeviceID:          deviceID,
				SigningPrivate:    []byte(signing.Private),
				LongTermPrivate:   longTerm.Private[:],
				FinalPQKemPrivate: pqkem.PrivateEncoded,
				RotateKeysAt:      time.Now().UTC(),
			},
		},
		DatabaseEncryptionKey: testKey(t),
		ActiveUserConfiguration: identity.UserConfiguration{
			SigningPublic: []byte(signing.Public),
			SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
		},
	}
	return sc, signing
}

func canonical(t *testing.T, d identity.UserDeviceConfiguration) []byte {
	t.Helper()
	doc, err := bson.Marshal(d)
	require.NoError(t, err)
	return doc
}

// peerConfiguration builds a verified UserConfiguration for a remote user
// with a single device, for the fresh-discovery scenario.
func peerConfiguration(t *testing.T) (identity.UserConfiguration, uuid.UUID) {
	t.Helper()
	signing, err := pqcrypto.GenSigningKeypair()
	require.NoError(t, err)

	deviceID := uuid.New()
	device := identity.UserDeviceConfiguration{
		DeviceID:         deviceID,
		IsMaster:         true,
		SigningPublic:    signing.Public,
		LongTermPublic:   []byte("peer-ltk"),
		FinalPQKemPublic: []byte("peer-pqkem"),
	}
	sig := pqcrypto.Sign(signing.Private, canonical(t, device))

	return identity.UserConfiguration{
		SigningPublic: signing.Public,
		SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
	}, deviceID
}

func buildSession(t *testing.T, ft *fakeTransport, recv receiver.Delegate, bootstrap identity.SessionContext) *pqsession.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := pqsession.NewBuilder(bootstrap.SessionUser.SecretName, bootstrap.SessionUser.DeviceID).
		WithTransport(ft).
		WithStore(memstore.New()).
		WithCache(&fakeCache{}).
		WithAppKeyProvider(fakeAppKeys{key: testKey(t)}).
		WithReceiver(recv).
		WithLowWatermark(2).
		WithBatchSize(3).
		WithRotationInterval(7 * 24 * time.Hour).
		Build(ctx, bootstrap)
	require.NoError(t, err)
	return sess
}

func TestFreshDiscoveryCreatesIdentityAndNotifiesReceiver(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	ft := newFakeTransport()
	peerConfig, peerDeviceID := peerConfiguration(t)
	ft.seed("bob", peerConfig)

	recv := &recordingReceiver{}
	sess := buildSession(t, ft, recv, local)

	result, err := sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, peerDeviceID, result[0].DeviceID)
	require.Len(t, recv.created, 1)
}

func TestDeviceRetirementRemovesIdentityAndNotifiesReceiver(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	ft := newFakeTransport()
	peerConfig, _ := peerConfiguration(t)
	ft.seed("bob", peerConfig)

	recv := &recordingReceiver{}
	sess := buildSession(t, ft, recv, local)

	_, err := sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{})
	require.NoError(t, err)

	// Bob retires his only device: publish an empty device list.
	ft.seed("bob", identity.UserConfiguration{SigningPublic: peerConfig.SigningPublic})

	result, err := sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{Force: true})
	require.NoError(t, err)
	require.Empty(t, result)
	require.Len(t, recv.removed, 1)
}

func TestScheduledPQKEMRotationNotifiesReceiver(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	local.SessionUser.DeviceKeys.RotateKeysAt = time.Now().Add(-30 * 24 * time.Hour)
	ft := newFakeTransport()
	ft.seed("alice", local.ActiveUserConfiguration)

	recv := &recordingReceiver{}
	sess := buildSession(t, ft, recv, local)

	rotated, err := sess.RotatePQKEMIfNeeded(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, 1, recv.rotated)
	require.Len(t, ft.rotated, 1)
}

func TestCompromiseRotationReplacesMaterialAndNotifiesReceiver(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	ft := newFakeTransport()
	ft.seed("alice", local.ActiveUserConfiguration)

	recv := &recordingReceiver{}
	sess := buildSession(t, ft, recv, local)

	before := sess.LocalSessionContext()
	require.NoError(t, sess.RotateAllOnCompromise(ctx))
	after := sess.LocalSessionContext()

	require.NotEqual(t, before.SessionUser.DeviceKeys.SigningPrivate, after.SessionUser.DeviceKeys.SigningPrivate)
	require.Equal(t, 1, recv.compromised)
}

func TestLowWatermarkCascadeTriggersDetachedRefill(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	ft := newFakeTransport()
	peerConfig, _ := peerConfiguration(t)
	ft.seed("bob", peerConfig)
	ft.seed("alice", local.ActiveUserConfiguration)

	sess := buildSession(t, ft, &recordingReceiver{}, local)

	// The local reserve starts at zero, below the low watermark of 2, so
	// RefreshIdentities should fire a detached refill.
	_, err := sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		updated := sess.LocalSessionContext()
		return len(updated.ActiveUserConfiguration.SignedOneTimeClassical) == 3 &&
			len(updated.ActiveUserConfiguration.SignedOneTimePQKem) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestBuildRestoresFromSealedCache(t *testing.T) {
	ctx := context.Background()
	local, _ := newLocalDevice(t, "alice")
	ft := newFakeTransport()
	cache := &fakeCache{}
	appKeys := fakeAppKeys{key: testKey(t)}

	first, err := pqsession.NewBuilder("alice", local.SessionUser.DeviceID).
		WithTransport(ft).
		WithStore(memstore.New()).
		WithCache(cache).
		WithAppKeyProvider(appKeys).
		WithBatchSize(3).
		Build(ctx, local)
	require.NoError(t, err)
	require.NoError(t, first.RefillOneTimeKeys(ctx, keylifecycle.Classical))

	second, err := pqsession.NewBuilder("alice", local.SessionUser.DeviceID).
		WithTransport(ft).
		WithStore(memstore.New()).
		WithCache(cache).
		WithAppKeyProvider(appKeys).
		Build(ctx, identity.SessionContext{})
	require.NoError(t, err)

	restored := second.LocalSessionContext()
	require.Len(t, restored.ActiveUserConfiguration.SignedOneTimeClassical, 3)
}
