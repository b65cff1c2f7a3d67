// Package identity defines the data model shared by every component of the
// session identity engine (spec.md §3): device key material, public device
// configurations, session identities, and the per-user session context.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// DeviceKeys holds the local device's private key material. It is never
// copied into a SessionIdentity record (spec.md §5).
type DeviceKeys struct {
	DeviceID              uuid.UUID `bson:"d"`
	SigningPrivate        []byte    `bson:"s"`
	LongTermPrivate       []byte    `bson:"l"`
	FinalPQKemPrivate     []byte    `bson:"f"`
	OneTimeClassicalPrivs [][]byte  `bson:"c"`
	OneTimePQKemPrivs     [][]byte  `bson:"k"`
	RotateKeysAt          time.Time `bson:"r"`
}

// UserDeviceConfiguration is the public per-device configuration (spec.md §3).
// Device equality is by DeviceID.
type UserDeviceConfiguration struct {
	DeviceID        uuid.UUID `bson:"d"`
	DeviceName      string    `bson:"n,omitempty"`
	IsMaster        bool      `bson:"m"`
	SigningPublic   []byte    `bson:"s"`
	LongTermPublic  []byte    `bson:"l"`
	FinalPQKemPublic []byte   `bson:"f"`
}

// Equal compares devices by DeviceID only, per spec.md §3.
func (d UserDeviceConfiguration) Equal(other UserDeviceConfiguration) bool {
	return d.DeviceID == other.DeviceID
}

// SignedDeviceConfiguration binds a device configuration to a signature over
// its canonical encoding.
type SignedDeviceConfiguration struct {
	Device    UserDeviceConfiguration `bson:"d"`
	Signature []byte                  `bson:"s"`
}

// SignedOneTimeKey binds a one-time public key to an id and owning device.
type SignedOneTimeKey struct {
	ID        uuid.UUID `bson:"i"`
	DeviceID  uuid.UUID `bson:"d"`
	Public    []byte    `bson:"p"`
	Signature []byte    `bson:"s"`
}

// UserConfiguration is the public, per-user configuration published through
// the transport (spec.md §3).
type UserConfiguration struct {
	SigningPublic        []byte                      `bson:"g"`
	SignedDevices        []SignedDeviceConfiguration `bson:"d"`
	SignedOneTimeClassical []SignedOneTimeKey        `bson:"c"`
	SignedOneTimePQKem     []SignedOneTimeKey        `bson:"k"`
}

// DeviceByID returns the verified device with the given id, if present.
func (u UserConfiguration) DeviceByID(deviceID uuid.UUID) (UserDeviceConfiguration, bool) {
	for _, sd := range u.SignedDevices {
		if sd.Device.DeviceID == deviceID {
			return sd.Device, true
		}
	}
	return UserDeviceConfiguration{}, false
}

// OneTimeClassicalByID finds a signed classical one-time key by id.
func (u UserConfiguration) OneTimeClassicalByID(id uuid.UUID) (SignedOneTimeKey, bool) {
	for _, k := range u.SignedOneTimeClassical {
		if k.ID == id {
			return k, true
		}
	}
	return SignedOneTimeKey{}, false
}

// OneTimePQKemByID finds a signed PQ-KEM one-time key by id.
func (u UserConfiguration) OneTimePQKemByID(id uuid.UUID) (SignedOneTimeKey, bool) {
	for _, k := range u.SignedOneTimePQKem {
		if k.ID == id {
			return k, true
		}
	}
	return SignedOneTimeKey{}, false
}

// SessionIdentityProps is the typed payload sealed inside a SessionIdentity's
// encrypted blob (spec.md §3).
type SessionIdentityProps struct {
	SecretName      string     `bson:"n"`
	DeviceID        uuid.UUID  `bson:"d"`
	SessionContextID int64     `bson:"c"`
	LongTermPublic  []byte     `bson:"l"`
	SigningPublic   []byte     `bson:"g"`
	PQKemPublic     []byte     `bson:"k"`
	OneTimePublic   []byte     `bson:"o,omitempty"`
	RatchetState    []byte     `bson:"r,omitempty"`
	DeviceName      string     `bson:"e"`
	IsMaster        bool       `bson:"m"`
}

// SessionIdentity is the local, per-remote-device record (spec.md §3). Only
// ID and the columns needed for indexing (SecretName, DeviceID) are
// plaintext; EncryptedBlob is the AEAD-sealed BSON of SessionIdentityProps
// and is never interpreted by the store (C3) itself — only the
// reconciliation layer (C4), which holds the database encryption key,
// decodes it via the secure record envelope (C2).
type SessionIdentity struct {
	ID            uuid.UUID
	SecretName    string
	DeviceID      uuid.UUID
	EncryptedBlob []byte
}

// SessionUser identifies the local user/device pair and its private keys.
type SessionUser struct {
	SecretName string
	DeviceID   uuid.UUID
	DeviceKeys DeviceKeys
}

// RegistrationState tracks whether the local device has completed initial
// registration with the transport.
type RegistrationState int

const (
	RegistrationUnregistered RegistrationState = iota
	RegistrationRegistered
)

// SessionContext is the mutable, per-user singleton (spec.md §3). The field
// name is ActiveUserConfiguration; the historical lastUserConfiguration
// spelling mentioned in spec.md §9's Open Questions is not carried forward.
type SessionContext struct {
	SessionUser             SessionUser
	DatabaseEncryptionKey    []byte
	SessionContextID         int64
	ActiveUserConfiguration  UserConfiguration
	RegistrationState        RegistrationState
}

// SessionContextProps is the BSON-serializable projection of SessionContext
// used by the secure record envelope (C2) when sealing the context.
type SessionContextProps struct {
	SecretName             string            `bson:"n"`
	DeviceID               uuid.UUID         `bson:"d"`
	DeviceKeys             DeviceKeys        `bson:"k"`
	SessionContextID       int64             `bson:"c"`
	ActiveUserConfiguration UserConfiguration `bson:"u"`
	RegistrationState      int               `bson:"r"`
	DatabaseEncryptionKey  []byte            `bson:"e"`
}

// ToProps projects a SessionContext into its sealed representation.
func (sc SessionContext) ToProps() SessionContextProps {
	return SessionContextProps{
		SecretName:              sc.SessionUser.SecretName,
		DeviceID:                sc.SessionUser.DeviceID,
		DeviceKeys:              sc.SessionUser.DeviceKeys,
		SessionContextID:        sc.SessionContextID,
		ActiveUserConfiguration: sc.ActiveUserConfiguration,
		RegistrationState:       int(sc.RegistrationState),
		DatabaseEncryptionKey:   sc.DatabaseEncryptionKey,
	}
}

// FromProps reconstructs a SessionContext from its sealed representation.
func FromProps(p SessionContextProps) SessionContext {
	return SessionContext{
		SessionUser: SessionUser{
			SecretName: p.SecretName,
			DeviceID:   p.DeviceID,
			DeviceKeys: p.DeviceKeys,
		},
		DatabaseEncryptionKey:   p.DatabaseEncryptionKey,
		SessionContextID:        p.SessionContextID,
		ActiveUserConfiguration: p.ActiveUserConfiguration,
		RegistrationState:       RegistrationState(p.RegistrationState),
	}
}
