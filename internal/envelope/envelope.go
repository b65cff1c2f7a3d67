// Package envelope implements the secure record envelope (C2): it encrypts
// a typed property payload under a symmetric key, yielding an opaque record
// with a stable id, and on demand decrypts it back. Canonical encoding is
// BSON with obfuscated single-letter field names (a frozen wire contract —
// see spec.md §9's "canonical encoding" design note).
package envelope

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coriolis-chat/pqsession/internal/crypto"
)

// Record is a sealed, typed record: an id plus an opaque AEAD-encrypted BSON
// document. P is any type that round-trips through bson.Marshal/Unmarshal
// with stable field tags.
type Record[P any] struct {
	ID     uuid.UUID
	Sealed []byte
}

// New seals props under key and returns a new record with the given id.
func New[P any](id uuid.UUID, props P, key []byte) (Record[P], error) {
	doc, err := bson.Marshal(props)
	if err != nil {
		return Record[P]{}, err
	}
	sealed, err := crypto.AEADSeal(key, doc)
	if err != nil {
		return Record[P]{}, err
	}
	return Record[P]{ID: id, Sealed: sealed}, nil
}

// Props decrypts and decodes the record's props under key. Per spec.md
// §4.2, any decode or decrypt failure returns (zero, false) uniformly — the
// "missing or tampered" distinction is never surfaced to the caller.
func Props[P any](rec Record[P], key []byte) (P, bool) {
	var zero P
	plaintext, err := crypto.AEADOpen(key, rec.Sealed)
	if err != nil {
		return zero, false
	}
	var props P
	if err := bson.Unmarshal(plaintext, &props); err != nil {
		return zero, false
	}
	return props, true
}

// Update re-seals the record in place with newProps and returns the
// re-decoded props (spec.md §4.2: "re-seals in place and returns the
// re-decoded props").
func Update[P any](rec *Record[P], key []byte, newProps P) (P, bool) {
	var zero P
	doc, err := bson.Marshal(newProps)
	if err != nil {
		return zero, false
	}
	sealed, err := crypto.AEADSeal(key, doc)
	if err != nil {
		return zero, false
	}
	rec.Sealed = sealed
	return Props(*rec, key)
}
