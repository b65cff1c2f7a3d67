// Package transport defines the transport delegate contract (§6): the
// untrusted network boundary the engine discovers peer configurations
// through and publishes its own configuration to.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
)

// OneTimeKeyIDs is the pair returned by fetch_one_time_keys — either id may
// be absent if the peer's reserves are drained.
type OneTimeKeyIDs struct {
	ClassicalID *uuid.UUID
	PQKemID     *uuid.UUID
}

// RotatedKeysPayload is what publish_rotated_keys sends: the re-signed
// device entry plus enough context for the server to locate it.
type RotatedKeysPayload struct {
	SigningPublicOfDevice []byte
	ResignedDevice        identity.SignedDeviceConfiguration
}

// IdentityCreationPayload is the binary-encoded pair carried as
// transport_info on a zero-text notify message (§6).
type IdentityCreationPayload struct {
	RecipientCurveID  *uuid.UUID
	RecipientPQKemID  *uuid.UUID
}

// Delegate is the five-method transport contract of spec.md §6.
type Delegate interface {
	FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error)
	FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (OneTimeKeyIDs, error)
	PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error
	PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload RotatedKeysPayload) error
	NotifyIdentityCreation(ctx context.Context, secretName string, payload IdentityCreationPayload) error
}
