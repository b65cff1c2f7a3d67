// Package reconcile implements identity refresh and device reconciliation
// (C4), the subsystem's heart (spec.md §4.4): given a correspondent name, it
// reconciles local identities with the verified remote configuration —
// creating missing identities, updating mutated ones, and removing stale
// ones — over the transport and session identity store delegates.
package reconcile

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coriolis-chat/pqsession/internal/envelope"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/metrics"
	"github.com/coriolis-chat/pqsession/internal/sessionerr"
	"github.com/coriolis-chat/pqsession/internal/store"
	"github.com/coriolis-chat/pqsession/internal/transport"
	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
)

// maxSessionContextID is 2^63, the open upper bound of the draw range
// in spec.md §4.4 step 1 ("[1, 2^63)").
var maxSessionContextID = func() *big.Int {
	n := big.NewInt(1)
	n.Lsh(n, 63)
	return n
}()

// OneTimeHint is a previously received adding-contact hint (spec.md §4.4,
// "Synchronization-key hint"): a pair of one-time key ids the caller wants
// reused instead of triggering a fresh fetch_one_time_keys round-trip.
type OneTimeHint struct {
	ClassicalID *uuid.UUID
	PQKemID     *uuid.UUID
}

// RefillTrigger is called when either one-time key reserve drops to or
// below the low watermark. It must be fire-and-forget: Reconciler does not
// await it and a failure inside it must never fail RefreshIdentities.
type RefillTrigger func(ctx context.Context)

// Reconciler runs refresh_identities (spec.md §4.4) against a transport
// delegate, a session identity store, and the local SessionContext.
type Reconciler struct {
	Transport  transport.Delegate
	Store      store.IdentityStore
	Logger     *log.Logger
	LowWatermark int

	mu             sync.Mutex
	refreshedNames map[string]struct{}
}

// New creates a Reconciler. lowWatermark governs the refill fire-and-forget
// guard of spec.md §4.4; pass config.Config.LowWatermark.
func New(t transport.Delegate, s store.IdentityStore, logger *log.Logger, lowWatermark int) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		Transport:      t,
		Store:          s,
		Logger:         logger,
		LowWatermark:   lowWatermark,
		refreshedNames: make(map[string]struct{}),
	}
}

// RefreshOptions carries the optional parameters of spec.md §4.4's
// refresh_identities.
type RefreshOptions struct {
	CreateIdentity        bool
	Force                 bool
	SendOneTimeIdentities bool
	Hint                  *OneTimeHint
	DeviceNamer           func() string
}

// RefreshDeps bundles the pieces RefreshIdentities needs from the caller's
// SessionContext and key material that reconcile itself does not own.
type RefreshDeps struct {
	LocalSecretName string
	LocalDeviceID   uuid.UUID
	// LocalDeviceIDs is the set of device ids in our own active
	// configuration's verified devices, consulted by stale removal
	// (spec.md §4.4, "current_device_ids").
	LocalDeviceIDs []uuid.UUID

	DatabaseEncryptionKey []byte

	// OneTimeReserveCounts reports the current local one-time reserve
	// counts so the low-watermark guard can be evaluated without a network
	// round-trip.
	OneTimeClassicalCount int
	OneTimePQKemCount     int

	Refill RefillTrigger

	// OnIdentityCreated and OnIdentityRemoved are optional hooks notifying
	// a caller's receiver.Delegate of lifecycle events as they happen,
	// distinct from the notify_identity_creation transport call. Both may
	// be nil.
	OnIdentityCreated func(identity.SessionIdentity)
	OnIdentityRemoved func(uuid.UUID)
}

// RefreshIdentities is the public operation of spec.md §4.4.
func (r *Reconciler) RefreshIdentities(ctx context.Context, secretName string, opts RefreshOptions, deps RefreshDeps) ([]identity.SessionIdentity, error) {
	r.maybeTriggerRefill(ctx, deps)

	existing, err := r.loadLocalSet(ctx, secretName, deps.LocalSecretName, deps.LocalDeviceID)
	if err != nil {
		metrics.RecordRefresh("store_error")
		r.ClearMemoization()
		return nil, err
	}

	if !opts.Force && containsSecretName(existing, secretName) {
		metrics.RecordRefresh("short_circuit")
		return existing, nil
	}

	result, err := r.reconcileRecovering(ctx, secretName, opts, deps, existing)
	if err != nil {
		switch {
		case sessionerr.Is(err, sessionerr.InvalidSignature):
			metrics.RecordRefresh("invalid_signature")
		case sessionerr.Is(err, sessionerr.DrainedKeys):
			metrics.RecordRefresh("drained_keys")
		default:
			metrics.RecordRefresh("transport_error")
		}
		// A hard identity-engine error resets the refreshed-names memoization
		// set (spec.md §4.4 "Memoization"). The short-circuit above is decided
		// from the stored identities, not from this set.
		r.ClearMemoization()
		return nil, err
	}

	r.markRefreshed(secretName)
	metrics.RecordRefresh("success")
	return result, nil
}

// reconcileRecovering wraps reconcile with the best-effort contract of
// spec.md §4.4's failure policy: "a caught exception inside reconciliation
// returns the pre-refresh L". InvalidSignature, DrainedKeys, and transport
// errors during discovery are explicit return values and are surfaced as
// errors, not swallowed here — only an actual panic inside reconciliation
// falls back to returning the identities the call started with.
func (r *Reconciler) reconcileRecovering(ctx context.Context, secretName string, opts RefreshOptions, deps RefreshDeps, existing []identity.SessionIdentity) (result []identity.SessionIdentity, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Logger.Printf("reconcile: recovered panic during refresh of %s: %v", secretName, rec)
			result, err = existing, nil
		}
	}()
	return r.reconcile(ctx, secretName, opts, deps, existing)
}

func (r *Reconciler) reconcile(ctx context.Context, secretName string, opts RefreshOptions, deps RefreshDeps, existing []identity.SessionIdentity) ([]identity.SessionIdentity, error) {
	config, err := r.Transport.FindConfiguration(ctx, secretName)
	if err != nil {
		return nil, fmt.Errorf("reconcile: find configuration for %s: %w", secretName, err)
	}

	verified, err := verifyDevices(config)
	if err != nil {
		return nil, err
	}

	l := append([]identity.SessionIdentity(nil), existing...)
	existingIDs := deviceIDSet(l)
	drawn := make(map[int64]struct{})

	hint := opts.Hint

	for _, d := range verified {
		if d.DeviceID == deps.LocalDeviceID {
			continue
		}
		if _, ok := existingIDs[d.DeviceID]; ok {
			continue
		}

		ident, notifyIDs, err := r.createIdentity(ctx, secretName, d, config, hint, opts, deps, drawn, l)
		if err != nil {
			// Per-device creation errors — including a drained reserve or a
			// tampered one-time key for this one device — do not abort the
			// other devices in the same call (spec.md §4.4 failure policy):
			// log and skip. Only a tampered entry in signed_devices itself,
			// caught above in verifyDevices during Discovery, aborts the
			// whole call.
			r.Logger.Printf("reconcile: skipping device %s: %v", d.DeviceID, err)
			continue
		}
		// The synchronization-key hint is consumed on first use only.
		hint = nil

		if err := r.Store.Create(ctx, ident); err != nil {
			r.Logger.Printf("reconcile: skipping device %s: store create failed: %v", d.DeviceID, err)
			continue
		}
		l = append(l, ident)
		existingIDs[d.DeviceID] = struct{}{}
		metrics.IdentitiesCreatedTotal.Inc()
		if deps.OnIdentityCreated != nil {
			deps.OnIdentityCreated(ident)
		}

		if notifyIDs != nil {
			if err := r.Transport.NotifyIdentityCreation(ctx, secretName, *notifyIDs); err != nil {
				r.Logger.Printf("reconcile: notify_identity_creation failed for device %s: %v", d.DeviceID, err)
			}
		}
	}

	l, err = r.refetchForStaleRemoval(ctx, l, secretName, deps.LocalSecretName, deps.LocalDeviceID)
	if err != nil {
		return nil, err
	}

	l, err = r.removeStale(ctx, l, verified, deps.LocalDeviceIDs, deps.OnIdentityRemoved)
	if err != nil {
		return nil, err
	}

	l, err = r.refreshLongTermPublics(ctx, secretName, l, verified, deps.DatabaseEncryptionKey)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// createIdentity implements spec.md §4.4's per-device reconciliation steps
// 1-6.
func (r *Reconciler) createIdentity(
	ctx context.Context,
	secretName string,
	d identity.UserDeviceConfiguration,
	config identity.UserConfiguration,
	hint *OneTimeHint,
	opts RefreshOptions,
	deps RefreshDeps,
	drawn map[int64]struct{},
	existing []identity.SessionIdentity,
) (identity.SessionIdentity, *transport.IdentityCreationPayload, error) {
	sessionContextID, err := drawSessionContextID(drawn)
	if err != nil {
		return identity.SessionIdentity{}, nil, err
	}

	classicalID, pqkemID, err := r.resolveOneTimeIDs(ctx, secretName, d, hint, opts, deps)
	if err != nil {
		return identity.SessionIdentity{}, nil, err
	}

	var oneTimePublic []byte
	if classicalID != nil {
		key, ok := config.OneTimeClassicalByID(*classicalID)
		if ok {
			if !pqcrypto.Verify(config.SigningPublic, canonicalOneTimeKey(key), key.Signature) {
				return identity.SessionIdentity{}, nil, sessionerr.ErrInvalidSignature("one-time classical key", nil)
			}
			oneTimePublic = key.Public
		}
	}

	pqkemPublic, err := r.resolvePQKemPublic(config, d, pqkemID)
	if err != nil {
		return identity.SessionIdentity{}, nil, err
	}

	deviceName := allocateDeviceName(d, existing, deps.DatabaseEncryptionKey, opts.DeviceNamer)

	props := identity.SessionIdentityProps{
		SecretName:       secretName,
		DeviceID:         d.DeviceID,
		SessionContextID: sessionContextID,
		LongTermPublic:   d.LongTermPublic,
		SigningPublic:    d.SigningPublic,
		PQKemPublic:      pqkemPublic,
		OneTimePublic:    oneTimePublic,
		DeviceName:       deviceName,
		IsMaster:         d.IsMaster,
	}

	id := uuid.New()
	rec, err := envelope.New(id, props, deps.DatabaseEncryptionKey)
	if err != nil {
		return identity.SessionIdentity{}, nil, sessionerr.ErrEncryption("seal new session identity", err)
	}

	ident := identity.SessionIdentity{
		ID:            id,
		SecretName:    secretName,
		DeviceID:      d.DeviceID,
		EncryptedBlob: rec.Sealed,
	}

	var notify *transport.IdentityCreationPayload
	if classicalID != nil || pqkemID != nil {
		notify = &transport.IdentityCreationPayload{RecipientCurveID: classicalID, RecipientPQKemID: pqkemID}
	}

	return ident, notify, nil
}

// resolveOneTimeIDs implements spec.md §4.4 step 2: hint, else a fresh
// fetch_one_time_keys round-trip, else (None, None).
func (r *Reconciler) resolveOneTimeIDs(ctx context.Context, secretName string, d identity.UserDeviceConfiguration, hint *OneTimeHint, opts RefreshOptions, deps RefreshDeps) (*uuid.UUID, *uuid.UUID, error) {
	if hint != nil {
		return hint.ClassicalID, hint.PQKemID, nil
	}
	if opts.SendOneTimeIdentities {
		ids, err := r.Transport.FetchOneTimeKeys(ctx, secretName, d.DeviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("reconcile: fetch_one_time_keys for %s: %w", d.DeviceID, err)
		}
		return ids.ClassicalID, ids.PQKemID, nil
	}
	return nil, nil, nil
}

// resolvePQKemPublic implements spec.md §4.4 step 4: the signed one-time
// PQ-KEM key first, falling back to the device's final_pqkem_public, then
// DrainedKeys.
func (r *Reconciler) resolvePQKemPublic(config identity.UserConfiguration, d identity.UserDeviceConfiguration, pqkemID *uuid.UUID) ([]byte, error) {
	if pqkemID != nil {
		key, ok := config.OneTimePQKemByID(*pqkemID)
		if ok {
			if !pqcrypto.Verify(config.SigningPublic, canonicalOneTimeKey(key), key.Signature) {
				return nil, sessionerr.ErrInvalidSignature("one-time pqkem key", nil)
			}
			return key.Public, nil
		}
	}
	if len(d.FinalPQKemPublic) > 0 {
		return d.FinalPQKemPublic, nil
	}
	return nil, sessionerr.ErrDrainedKeys(fmt.Sprintf("device %s", d.DeviceID))
}

// refetchForStaleRemoval implements spec.md §4.4's stale-removal step
// "Re-fetch L": reloads the local set from the store immediately before
// computing the stale set, so an identity present in the store but absent
// from this call's original snapshot (for example a companion identity
// written by a concurrent call) is also put through stale removal. Whether
// such an identity is kept depends only on its device id being in the
// verified devices or our own device ids. Merges by id with the snapshot passed in rather than
// replacing it outright, since l may already contain identities created
// earlier in this same reconcile pass that a concurrent FetchAll could in
// principle race past.
func (r *Reconciler) refetchForStaleRemoval(ctx context.Context, l []identity.SessionIdentity, secretName, localSecretName string, localDeviceID uuid.UUID) ([]identity.SessionIdentity, error) {
	fresh, err := r.loadLocalSet(ctx, secretName, localSecretName, localDeviceID)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]identity.SessionIdentity, len(l)+len(fresh))
	for _, ident := range l {
		byID[ident.ID] = ident
	}
	for _, ident := range fresh {
		if _, ok := byID[ident.ID]; !ok {
			byID[ident.ID] = ident
		}
	}

	merged := make([]identity.SessionIdentity, 0, len(byID))
	for _, ident := range byID {
		merged = append(merged, ident)
	}
	return merged, nil
}

// removeStale implements spec.md §4.4's stale removal: delete any local
// identity whose device_id is not in the authoritative V ∪ our own devices.
func (r *Reconciler) removeStale(ctx context.Context, l []identity.SessionIdentity, verified []identity.UserDeviceConfiguration, ourDeviceIDs []uuid.UUID, onRemoved func(uuid.UUID)) ([]identity.SessionIdentity, error) {
	live := make(map[uuid.UUID]struct{}, len(verified)+len(ourDeviceIDs))
	for _, d := range verified {
		live[d.DeviceID] = struct{}{}
	}
	for _, id := range ourDeviceIDs {
		live[id] = struct{}{}
	}

	kept := l[:0:0]
	for _, ident := range l {
		if _, ok := live[ident.DeviceID]; ok {
			kept = append(kept, ident)
			continue
		}
		if err := r.Store.Delete(ctx, ident.ID); err != nil {
			return nil, fmt.Errorf("reconcile: delete stale identity %s: %w", ident.ID, err)
		}
		metrics.IdentitiesRemovedTotal.Inc()
		if onRemoved != nil {
			onRemoved(ident.ID)
		}
	}
	return kept, nil
}

// refreshLongTermPublics implements spec.md §4.4's public-key refresh: only
// long_term_public is propagated, per the §9 Open Question resolution.
func (r *Reconciler) refreshLongTermPublics(ctx context.Context, secretName string, l []identity.SessionIdentity, verified []identity.UserDeviceConfiguration, key []byte) ([]identity.SessionIdentity, error) {
	byID := make(map[uuid.UUID]identity.UserDeviceConfiguration, len(verified))
	for _, d := range verified {
		byID[d.DeviceID] = d
	}

	for i, ident := range l {
		if ident.SecretName != secretName {
			continue
		}
		d, ok := byID[ident.DeviceID]
		if !ok {
			continue
		}

		rec := envelopeRecordFor(ident)
		props, ok := envelope.Props(rec, key)
		if !ok {
			continue
		}
		if bytes.Equal(props.LongTermPublic, d.LongTermPublic) {
			continue
		}

		props.LongTermPublic = d.LongTermPublic
		newProps, ok := envelope.Update(&rec, key, props)
		if !ok {
			return nil, sessionerr.ErrEncryption("reseal identity after long-term public refresh", nil)
		}
		_ = newProps

		ident.EncryptedBlob = rec.Sealed
		if err := r.Store.Update(ctx, ident); err != nil {
			return nil, fmt.Errorf("reconcile: update identity %s: %w", ident.ID, err)
		}
		l[i] = ident
	}
	return l, nil
}

// loadLocalSet loads the identities whose secret_name equals the requested
// name, or whose secret_name equals the local user with a different
// device_id (companion devices) — spec.md §4.4's set L.
func (r *Reconciler) loadLocalSet(ctx context.Context, secretName, localSecretName string, localDeviceID uuid.UUID) ([]identity.SessionIdentity, error) {
	all, err := r.Store.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch_all: %w", err)
	}
	var l []identity.SessionIdentity
	for _, ident := range all {
		if ident.SecretName == secretName {
			l = append(l, ident)
			continue
		}
		if ident.SecretName == localSecretName && ident.DeviceID != localDeviceID {
			l = append(l, ident)
		}
	}
	return l, nil
}

func (r *Reconciler) maybeTriggerRefill(ctx context.Context, deps RefreshDeps) {
	if deps.Refill == nil {
		return
	}
	if deps.OneTimeClassicalCount <= r.LowWatermark || deps.OneTimePQKemCount <= r.LowWatermark {
		go deps.Refill(ctx)
	}
}

func (r *Reconciler) markRefreshed(secretName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshedNames[secretName] = struct{}{}
	metrics.RefreshedNamesCacheSize.Set(float64(len(r.refreshedNames)))
}

// ClearMemoization resets the refreshed-names set (spec.md §4.4
// "Memoization": reset on any hard identity-engine error and on process
// restart). Safe to call at any time — the only consequence is extra work.
func (r *Reconciler) ClearMemoization() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshedNames = make(map[string]struct{})
	metrics.RefreshedNamesCacheSize.Set(0)
}

func verifyDevices(config identity.UserConfiguration) ([]identity.UserDeviceConfiguration, error) {
	verified := make([]identity.UserDeviceConfiguration, 0, len(config.SignedDevices))
	for _, sd := range config.SignedDevices {
		if !pqcrypto.Verify(config.SigningPublic, canonicalDevice(sd.Device), sd.Signature) {
			return nil, sessionerr.ErrInvalidSignature(fmt.Sprintf("device %s", sd.Device.DeviceID), nil)
		}
		verified = append(verified, sd.Device)
	}
	return verified, nil
}

func drawSessionContextID(drawn map[int64]struct{}) (int64, error) {
	for attempt := 0; attempt < 64; attempt++ {
		n, err := rand.Int(rand.Reader, maxSessionContextID)
		if err != nil {
			return 0, fmt.Errorf("reconcile: draw session_context_id: %w", err)
		}
		id := n.Int64()
		if id == 0 {
			continue // 0 lies outside [1, 2^63)
		}
		if _, collision := drawn[id]; collision {
			continue
		}
		drawn[id] = struct{}{}
		return id, nil
	}
	return 0, fmt.Errorf("reconcile: could not draw a non-colliding session_context_id")
}

// allocateDeviceName implements spec.md §4.4 step 5: an implementation-chosen
// base name with " (n)" appended until no existing identity (decrypted under
// key) already has that name.
func allocateDeviceName(d identity.UserDeviceConfiguration, existing []identity.SessionIdentity, key []byte, namer func() string) string {
	base := d.DeviceName
	if base == "" {
		if namer != nil {
			base = namer()
		} else {
			base = "device"
		}
	}

	taken := make(map[string]struct{}, len(existing))
	for _, ident := range existing {
		if props, ok := envelope.Props(envelopeRecordFor(ident), key); ok {
			taken[props.DeviceName] = struct{}{}
		}
	}

	name := base
	for n := 2; ; n++ {
		if _, ok := taken[name]; !ok {
			return name
		}
		name = fmt.Sprintf("%s (%d)", base, n)
	}
}

func containsSecretName(l []identity.SessionIdentity, secretName string) bool {
	for _, ident := range l {
		if ident.SecretName == secretName {
			return true
		}
	}
	return false
}

func deviceIDSet(l []identity.SessionIdentity) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(l))
	for _, ident := range l {
		out[ident.DeviceID] = struct{}{}
	}
	return out
}

func envelopeRecordFor(ident identity.SessionIdentity) envelope.Record[identity.SessionIdentityProps] {
	return envelope.Record[identity.SessionIdentityProps]{ID: ident.ID, Sealed: ident.EncryptedBlob}
}

// canonicalDevice and canonicalOneTimeKey produce the canonical encoding a
// signature was computed over. Both defer to the same BSON encoding the
// envelope package uses for sealed records, keeping one canonical-encoding
// implementation for the whole engine.
func canonicalDevice(d identity.UserDeviceConfiguration) []byte {
	return mustCanonical(d)
}

func canonicalOneTimeKey(k identity.SignedOneTimeKey) []byte {
	return mustCanonical(struct {
		ID       uuid.UUID `bson:"i"`
		DeviceID uuid.UUID `bson:"d"`
		Public   []byte    `bson:"p"`
	}{k.ID, k.DeviceID, k.Public})
}

// mustCanonical encodes v with the same BSON canonical encoding the
// envelope package seals records with. Device and one-time-key signatures
// are computed over this encoding at publication time; a marshal failure
// here means the value itself is unencodable, a programmer error rather
// than a runtime condition worth a typed error.
func mustCanonical(v any) []byte {
	doc, err := bson.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("reconcile: canonical encode: %v", err))
	}
	return doc
}
