// Package keylifecycle implements the key lifecycle manager (C5, spec.md
// §4.5): one-time key refills, scheduled PQ-KEM rotation, and emergency
// compromise rotation of the local device's long-lived key material. The
// ticker-driven scheduler is grounded on the teacher's
// internal/security/identity_key_rotation.go IdentityKeyRotationManager.
package keylifecycle

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/metrics"
	"github.com/coriolis-chat/pqsession/internal/sessionerr"
	"github.com/coriolis-chat/pqsession/internal/sessionstate"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

// OneTimeKeyKind distinguishes the two parallel refill batches of spec.md
// §4.5.
type OneTimeKeyKind string

const (
	Classical OneTimeKeyKind = "classical"
	PQKem     OneTimeKeyKind = "pqkem"
)

// Manager owns the scheduled and on-demand rotation operations of C5,
// operating against the shared SessionContext coordinator.
type Manager struct {
	Coordinator *sessionstate.Coordinator
	Transport   transport.Delegate
	Logger      *log.Logger

	BatchSize        int
	RotationInterval time.Duration

	rotating atomic.Bool

	schedMu        sync.Mutex
	enabled        bool
	cancel         context.CancelFunc
	checkInterval  time.Duration
}

// New creates a Manager. batchSize and rotationInterval come from
// config.Config (spec.md §6's BATCH_SIZE/ROTATION_INTERVAL).
func New(coord *sessionstate.Coordinator, t transport.Delegate, logger *log.Logger, batchSize int, rotationInterval time.Duration) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[KEY-LIFECYCLE] ", log.Ldate|log.Ltime|log.LUTC)
	}
	return &Manager{
		Coordinator:      coord,
		Transport:        t,
		Logger:           logger,
		BatchSize:        batchSize,
		RotationInterval: rotationInterval,
		enabled:          true,
		checkInterval:    time.Hour,
	}
}

// RefillOneTimeKeys generates BatchSize new keypairs of the given kind,
// signs each new public together with its id and device id, appends them to the active configuration and the
// local private key list, persists the context, and republishes the
// configuration (spec.md §4.5 "One-time key refill"). Idempotent in
// outcome: duplicated invocations each upload a full batch.
func (m *Manager) RefillOneTimeKeys(ctx context.Context, kind OneTimeKeyKind) error {
	var published identity.UserConfiguration
	err := m.Coordinator.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		deviceID := sc.SessionUser.DeviceID
		signingPriv := sc.SessionUser.DeviceKeys.SigningPrivate

		newEntries := make([]identity.SignedOneTimeKey, 0, m.BatchSize)
		newPrivs := make([][]byte, 0, m.BatchSize)

		for i := 0; i < m.BatchSize; i++ {
			id := uuid.New()
			var pub, priv []byte
			switch kind {
			case Classical:
				kp, err := pqcrypto.GenClassicalKEMKeypair()
				if err != nil {
					return sc, false, sessionerr.ErrConfiguration("generate classical one-time keypair", err)
				}
				pub, priv = kp.Public[:], kp.Private[:]
			case PQKem:
				kp, err := pqcrypto.GenPQKEMKeypair()
				if err != nil {
					return sc, false, sessionerr.ErrConfiguration("generate pqkem one-time keypair", err)
				}
				pub, priv = kp.PublicRaw, kp.PrivateEncoded
			default:
				return sc, false, sessionerr.ErrConfiguration(fmt.Sprintf("unknown one-time key kind %q", kind), nil)
			}

			canonical, err := bson.Marshal(struct {
				ID       uuid.UUID `bson:"i"`
				DeviceID uuid.UUID `bson:"d"`
				Public   []byte    `bson:"p"`
			}{id, deviceID, pub})
			if err != nil {
				return sc, false, sessionerr.ErrEncryption("encode one-time key for signing", err)
			}
			sig := pqcrypto.Sign(ed25519.PrivateKey(signingPriv), canonical)
			newEntries = append(newEntries, identity.SignedOneTimeKey{ID: id, DeviceID: deviceID, Public: pub, Signature: sig})
			newPrivs = append(newPrivs, priv)
		}

		switch kind {
		case Classical:
			sc.ActiveUserConfiguration.SignedOneTimeClassical = append(sc.ActiveUserConfiguration.SignedOneTimeClassical, newEntries...)
			sc.SessionUser.DeviceKeys.OneTimeClassicalPrivs = append(sc.SessionUser.DeviceKeys.OneTimeClassicalPrivs, newPrivs...)
		case PQKem:
			sc.ActiveUserConfiguration.SignedOneTimePQKem = append(sc.ActiveUserConfiguration.SignedOneTimePQKem, newEntries...)
			sc.SessionUser.DeviceKeys.OneTimePQKemPrivs = append(sc.SessionUser.DeviceKeys.OneTimePQKemPrivs, newPrivs...)
		}

		published = sc.ActiveUserConfiguration
		return sc, true, nil
	})
	if err != nil {
		return err
	}

	if err := m.Transport.PublishUserConfiguration(ctx, published, true); err != nil {
		return fmt.Errorf("keylifecycle: publish refilled configuration: %w", err)
	}
	metrics.RecordRefill(string(kind))
	return nil
}

// RotatePQKEMIfNeeded implements spec.md §4.5's "Scheduled PQ-KEM
// rotation". Returns true iff a rotation occurred.
func (m *Manager) RotatePQKEMIfNeeded(ctx context.Context) (bool, error) {
	var (
		rotated    bool
		secretName string
		deviceID   uuid.UUID
		payload    transport.RotatedKeysPayload
	)

	err := m.Coordinator.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		if time.Since(sc.SessionUser.DeviceKeys.RotateKeysAt) < m.RotationInterval {
			return sc, false, nil
		}

		idx, current, err := findOwnDevice(sc)
		if err != nil {
			return sc, false, err
		}
		if !pqcrypto.Verify(ed25519.PublicKey(sc.ActiveUserConfiguration.SigningPublic), deviceCanonical(current.Device), current.Signature) {
			return sc, false, sessionerr.ErrInvalidSignature("own device entry before pqkem rotation", nil)
		}

		newKey, err := pqcrypto.GenPQKEMKeypair()
		if err != nil {
			return sc, false, sessionerr.ErrConfiguration("generate pqkem rotation keypair", err)
		}

		updatedDevice := current.Device
		updatedDevice.FinalPQKemPublic = newKey.PublicRaw
		resigned := identity.SignedDeviceConfiguration{
			Device:    updatedDevice,
			Signature: pqcrypto.Sign(ed25519.PrivateKey(sc.SessionUser.DeviceKeys.SigningPrivate), deviceCanonical(updatedDevice)),
		}

		sc.ActiveUserConfiguration.SignedDevices[idx] = resigned
		sc.SessionUser.DeviceKeys.FinalPQKemPrivate = newKey.PrivateEncoded
		sc.SessionUser.DeviceKeys.RotateKeysAt = time.Now().UTC()

		rotated = true
		secretName = sc.SessionUser.SecretName
		deviceID = sc.SessionUser.DeviceID
		payload = transport.RotatedKeysPayload{
			SigningPublicOfDevice: sc.ActiveUserConfiguration.SigningPublic,
			ResignedDevice:        resigned,
		}
		return sc, true, nil
	})
	if err != nil {
		return false, err
	}
	if !rotated {
		return false, nil
	}

	if err := m.Transport.PublishRotatedKeys(ctx, secretName, deviceID, payload); err != nil {
		return true, fmt.Errorf("keylifecycle: publish rotated pqkem keys: %w", err)
	}
	metrics.RecordRotation("pqkem")
	return true, nil
}

// RotateAllOnCompromise implements spec.md §4.5's "Emergency full
// rotation": replaces signing, long-term, and PQ-KEM material under the
// assumption all of it is potentially leaked.
func (m *Manager) RotateAllOnCompromise(ctx context.Context) error {
	if !m.rotating.CompareAndSwap(false, true) {
		return sessionerr.ErrConfiguration("compromise rotation already in progress", nil)
	}
	defer m.rotating.Store(false)

	var (
		secretName string
		deviceID   uuid.UUID
		payload    transport.RotatedKeysPayload
	)

	err := m.Coordinator.Mutate(ctx, func(sc identity.SessionContext) (identity.SessionContext, bool, error) {
		idx, current, err := findOwnDevice(sc)
		if err != nil {
			return sc, false, err
		}
		oldSigningPublic := sc.ActiveUserConfiguration.SigningPublic
		if !pqcrypto.Verify(ed25519.PublicKey(oldSigningPublic), deviceCanonical(current.Device), current.Signature) {
			return sc, false, sessionerr.ErrInvalidSignature("own device entry before compromise rotation", nil)
		}

		newSigning, err := pqcrypto.GenSigningKeypair()
		if err != nil {
			return sc, false, sessionerr.ErrConfiguration("generate compromise signing keypair", err)
		}
		newLongTerm, err := pqcrypto.GenClassicalKEMKeypair()
		if err != nil {
			return sc, false, sessionerr.ErrConfiguration("generate compromise long-term keypair", err)
		}
		newPQKem, err := pqcrypto.GenPQKEMKeypair()
		if err != nil {
			return sc, false, sessionerr.ErrConfiguration("generate compromise pqkem keypair", err)
		}

		updatedDevice := current.Device
		updatedDevice.SigningPublic = []byte(newSigning.Public)
		updatedDevice.LongTermPublic = newLongTerm.Public[:]
		updatedDevice.FinalPQKemPublic = newPQKem.PublicRaw

		resigned := identity.SignedDeviceConfiguration{
			Device:    updatedDevice,
			Signature: pqcrypto.Sign(newSigning.Private, deviceCanonical(updatedDevice)),
		}

		sc.ActiveUserConfiguration.SignedDevices[idx] = resigned
		sc.ActiveUserConfiguration.SigningPublic = []byte(newSigning.Public)

		sc.SessionUser.DeviceKeys.SigningPrivate = []byte(newSigning.Private)
		sc.SessionUser.DeviceKeys.LongTermPrivate = newLongTerm.Private[:]
		sc.SessionUser.DeviceKeys.FinalPQKemPrivate = newPQKem.PrivateEncoded

		secretName = sc.SessionUser.SecretName
		deviceID = sc.SessionUser.DeviceID
		payload = transport.RotatedKeysPayload{
			SigningPublicOfDevice: []byte(newSigning.Public),
			ResignedDevice:        resigned,
		}
		return sc, true, nil
	})
	if err != nil {
		return err
	}

	if err := m.Transport.PublishRotatedKeys(ctx, secretName, deviceID, payload); err != nil {
		return fmt.Errorf("keylifecycle: publish compromise rotation: %w", err)
	}
	metrics.RecordRotation("compromise")
	return nil
}

func findOwnDevice(sc identity.SessionContext) (int, identity.SignedDeviceConfiguration, error) {
	for i, sd := range sc.ActiveUserConfiguration.SignedDevices {
		if sd.Device.DeviceID == sc.SessionUser.DeviceID {
			return i, sd, nil
		}
	}
	return 0, identity.SignedDeviceConfiguration{}, sessionerr.ErrInvalidDeviceIdentity("own device entry not found in active configuration", nil)
}

// Start begins the rotation scheduler, checking once per checkInterval
// whether RotatePQKEMIfNeeded should fire, the same pattern as the
// teacher's IdentityKeyRotationManager.Start/runRotationScheduler.
func (m *Manager) Start(ctx context.Context) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if !m.enabled {
		m.Logger.Println("key lifecycle scheduler is disabled")
		return
	}

	schedCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.runScheduler(schedCtx)
}

// Stop halts the scheduler.
func (m *Manager) Stop() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Enable re-arms the scheduler for a subsequent Start.
func (m *Manager) Enable() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	m.enabled = true
}

// Disable stops the scheduler and prevents it from starting again until
// Enable is called.
func (m *Manager) Disable() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	m.enabled = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) runScheduler(ctx context.Context) {
	if rotated, err := m.RotatePQKEMIfNeeded(ctx); err != nil {
		m.Logger.Printf("scheduled pqkem rotation check failed: %v", err)
	} else if rotated {
		m.Logger.Println("scheduled pqkem rotation completed")
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if rotated, err := m.RotatePQKEMIfNeeded(ctx); err != nil {
				m.Logger.Printf("scheduled pqkem rotation check failed: %v", err)
			} else if rotated {
				m.Logger.Println("scheduled pqkem rotation completed")
			}
		case <-ctx.Done():
			m.Logger.Println("key lifecycle scheduler stopped")
			return
		}
	}
}

func deviceCanonical(d identity.UserDeviceConfiguration) []byte {
	doc, err := bson.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("keylifecycle: canonical encode: %v", err))
	}
	return doc
}
