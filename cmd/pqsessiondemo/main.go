// Command pqsessiondemo walks through the end-to-end scenarios of a session
// identity engine run against in-memory fakes: fresh discovery, a peer
// long-term-key rotation, device retirement, a scheduled PQ-KEM rotation,
// and an emergency compromise rotation.
package main

import (
	"context"
	"encoding/hex"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	pqsession "github.com/coriolis-chat/pqsession"
	"github.com/coriolis-chat/pqsession/internal/config"
	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/receiver"
	"github.com/coriolis-chat/pqsession/internal/store/memstore"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

type demoTransport struct {
	mu      sync.Mutex
	configs map[string]identity.UserConfiguration
}

func newDemoTransport() *demoTransport {
	return &demoTransport{configs: map[string]identity.UserConfiguration{}}
}

func (d *demoTransport) FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[secretName], nil
}

func (d *demoTransport) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (transport.OneTimeKeyIDs, error) {
	return transport.OneTimeKeyIDs{}, nil
}

func (d *demoTransport) PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, existing := range d.configs {
		if len(existing.SignedDevices) == len(config.SignedDevices) {
			d.configs[name] = config
		}
	}
	return nil
}

func (d *demoTransport) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload transport.RotatedKeysPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := d.configs[secretName]
	cfg.SigningPublic = payload.SigningPublicOfDevice
	for i, sd := range cfg.SignedDevices {
		if sd.Device.DeviceID == payload.ResignedDevice.Device.DeviceID {
			cfg.SignedDevices[i] = payload.ResignedDevice
		}
	}
	d.configs[secretName] = cfg
	return nil
}

func (d *demoTransport) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	log.Printf("transport: notify_identity_creation to %s", secretName)
	return nil
}

func (d *demoTransport) seed(secretName string, config identity.UserConfiguration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[secretName] = config
}

var _ transport.Delegate = (*demoTransport)(nil)

type demoCache struct {
	mu     sync.Mutex
	sealed []byte
}

func (c *demoCache) FetchLocalSessionContext(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed, nil
}
func (c *demoCache) UpdateLocalSessionContext(ctx context.Context, sealed []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = sealed
	return nil
}
func (c *demoCache) CreateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (c *demoCache) FetchAllSessionIdentities(ctx context.Context) ([]identity.SessionIdentity, error) {
	return nil, nil
}
func (c *demoCache) UpdateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (c *demoCache) DeleteSessionIdentity(ctx context.Context, id uuid.UUID) error { return nil }

type loggingReceiver struct{ receiver.NopDelegate }

func (loggingReceiver) OnIdentityCreated(secretName string, id identity.SessionIdentity) {
	log.Printf("receiver: identity created for %s (id=%s)", secretName, id.ID)
}

func (loggingReceiver) OnIdentityRemoved(secretName string, id uuid.UUID) {
	log.Printf("receiver: identity removed for %s (id=%s)", secretName, id)
}

func (loggingReceiver) OnKeysRotated(secretName string, deviceID uuid.UUID, emergency bool) {
	log.Printf("receiver: keys rotated for %s device=%s emergency=%v", secretName, deviceID, emergency)
}

func main() {
	ctx := context.Background()
	ft := newDemoTransport()

	alice := provisionDevice("alice")
	bob := provisionDevice("bob")
	ft.seed("alice", alice.config)
	ft.seed("bob", bob.config)

	os.Setenv("DATABASE_ENCRYPTION_KEY", hex.EncodeToString(symmetricKey()))
	os.Setenv("LOW_WATERMARK", "5")
	os.Setenv("BATCH_SIZE", "10")
	cfg, err := config.Load("alice")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sess, err := pqsession.NewBuilder("alice", alice.deviceID).
		WithTransport(ft).
		WithStore(memstore.New()).
		WithCache(&demoCache{}).
		WithConfig(cfg).
		WithReceiver(loggingReceiver{}).
		Build(ctx, alice.context)
	if err != nil {
		log.Fatalf("build session: %v", err)
	}

	log.Println("=== scenario 1: fresh discovery ===")
	identities, err := sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{})
	if err != nil {
		log.Fatalf("refresh bob: %v", err)
	}
	log.Printf("discovered %d identity(ies) for bob", len(identities))

	log.Println("=== scenario 2: peer long-term-key rotation ===")
	rotatedBobConfig := rotateLongTermKey(bob)
	ft.seed("bob", rotatedBobConfig)
	identities, err = sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{Force: true})
	if err != nil {
		log.Fatalf("refresh bob after rotation: %v", err)
	}
	log.Printf("reconciled %d identity(ies) for bob after long-term-key rotation", len(identities))

	log.Println("=== scenario 3: device retirement ===")
	ft.seed("bob", identity.UserConfiguration{SigningPublic: rotatedBobConfig.SigningPublic})
	identities, err = sess.RefreshIdentities(ctx, "bob", pqsession.RefreshOptions{Force: true})
	if err != nil {
		log.Fatalf("refresh bob after retirement: %v", err)
	}
	log.Printf("%d identity(ies) remain for bob after retirement", len(identities))

	log.Println("=== scenario 4: scheduled PQ-KEM rotation ===")
	rotated, err := forceRotation(ctx, sess)
	if err != nil {
		log.Fatalf("pqkem rotation: %v", err)
	}
	log.Printf("pqkem rotation occurred: %v", rotated)

	log.Println("=== scenario 5: emergency compromise rotation ===")
	if err := sess.RotateAllOnCompromise(ctx); err != nil {
		log.Fatalf("compromise rotation: %v", err)
	}
	log.Println("compromise rotation complete")

	sess.StartScheduler(ctx)
	time.Sleep(10 * time.Millisecond)
	sess.StopScheduler()
	log.Println("demo complete")
}

type provisionedDevice struct {
	deviceID uuid.UUID
	signing  pqcrypto.SigningKeyPair
	context  identity.SessionContext
	config   identity.UserConfiguration
}

func provisionDevice(secretName string) provisionedDevice {
	signing, err := pqcrypto.GenSigningKeypair()
	if err != nil {
		log.Fatalf("gen signing keypair: %v", err)
	}
	longTerm, err := pqcrypto.GenClassicalKEMKeypair()
	if err != nil {
		log.Fatalf("gen classical keypair: %v", err)
	}
	pqkem, err := pqcrypto.GenPQKEMKeypair()
	if err != nil {
		log.Fatalf("gen pqkem keypair: %v", err)
	}

	deviceID := uuid.New()
	device := identity.UserDeviceConfiguration{
		DeviceID:         deviceID,
		DeviceName:       secretName + "-primary",
		IsMaster:         true,
		SigningPublic:    []byte(signing.Public),
		LongTermPublic:   longTerm.Public[:],
		FinalPQKemPublic: pqkem.PublicRaw,
	}
	sig := pqcrypto.Sign(signing.Private, canonicalDevice(device))

	config := identity.UserConfiguration{
		SigningPublic: []byte(signing.Public),
		SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
	}

	sc := identity.SessionContext{
		SessionUser: identity.SessionUser{
			SecretName: secretName,
			DeviceID:   deviceID,
			DeviceKeys: identity.DeviceKeys{
				DeviceID:          deviceID,
				SigningPrivate:    []byte(signing.Private),
				LongTermPrivate:   longTerm.Private[:],
				FinalPQKemPrivate: pqkem.PrivateEncoded,
				RotateKeysAt:      time.Now().UTC().Add(-30 * 24 * time.Hour),
			},
		},
		DatabaseEncryptionKey:   symmetricKey(),
		ActiveUserConfiguration: config,
	}

	return provisionedDevice{deviceID: deviceID, signing: signing, context: sc, config: config}
}

func rotateLongTermKey(d provisionedDevice) identity.UserConfiguration {
	newLongTerm, err := pqcrypto.GenClassicalKEMKeypair()
	if err != nil {
		log.Fatalf("gen rotated long-term keypair: %v", err)
	}
	device := d.config.SignedDevices[0].Device
	device.LongTermPublic = newLongTerm.Public[:]
	sig := pqcrypto.Sign(d.signing.Private, canonicalDevice(device))
	return identity.UserConfiguration{
		SigningPublic: d.config.SigningPublic,
		SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
	}
}

func forceRotation(ctx context.Context, sess *pqsession.Session) (bool, error) {
	return sess.RotatePQKEMIfNeeded(ctx)
}

func canonicalDevice(d identity.UserDeviceConfiguration) []byte {
	doc, err := bson.Marshal(d)
	if err != nil {
		log.Fatalf("canonical encode device: %v", err)
	}
	return doc
}

func symmetricKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}
