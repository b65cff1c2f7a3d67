// Package receiver defines the receiver delegate contract (§6): narrow
// notifications produced by the engine for surrounding subsystems (UI,
// push). Per spec.md §9's "optional overrides become default-implemented"
// re-architecture note, NopDelegate supplies a default no-op so callers only
// override the events they care about by embedding it.
package receiver

import (
	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
)

// Delegate receives notifications about identity lifecycle and key
// rotation events.
type Delegate interface {
	OnIdentityCreated(secretName string, id identity.SessionIdentity)
	OnIdentityRemoved(secretName string, id uuid.UUID)
	OnKeysRotated(secretName string, deviceID uuid.UUID, emergency bool)
}

// NopDelegate is a Delegate whose methods all do nothing. Embed it to pick
// and choose which events to override.
type NopDelegate struct{}

func (NopDelegate) OnIdentityCreated(string, identity.SessionIdentity) {}
func (NopDelegate) OnIdentityRemoved(string, uuid.UUID)                {}
func (NopDelegate) OnKeysRotated(string, uuid.UUID, bool)              {}

var _ Delegate = NopDelegate{}
