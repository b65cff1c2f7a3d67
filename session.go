// Package pqsession is a hybrid classical + post-quantum Double Ratchet
// session identity engine: a library, not a server process. Callers build an
// explicit *Session value through Builder and call its methods directly —
// there is no package-level mutable singleton, per spec.md §9's
// re-architecture note.
package pqsession

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/cache"
	"github.com/coriolis-chat/pqsession/internal/config"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/keylifecycle"
	"github.com/coriolis-chat/pqsession/internal/metrics"
	"github.com/coriolis-chat/pqsession/internal/receiver"
	"github.com/coriolis-chat/pqsession/internal/reconcile"
	"github.com/coriolis-chat/pqsession/internal/sessionerr"
	"github.com/coriolis-chat/pqsession/internal/sessionstate"
	"github.com/coriolis-chat/pqsession/internal/store"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

// Session composes C1-C5 and the external delegates behind the public API of
// spec.md §5/§9. Its own serialization point over SessionContext and the
// refreshed-names memoization set is factored into two collaborators that
// each own exactly one mutex over their slice of that state:
// sessionstate.Coordinator (SessionContext) and reconcile.Reconciler
// (refreshed-names) — so the single-owning-mutex discipline holds without
// Session itself re-locking state its collaborators already guard.
type Session struct {
	coordinator *sessionstate.Coordinator
	reconciler  *reconcile.Reconciler
	lifecycle   *keylifecycle.Manager

	transport transport.Delegate
	store     store.IdentityStore
	cache     cache.Delegate
	receiver  receiver.Delegate

	logger *log.Logger
}

// Builder assembles a Session from its required and optional collaborators.
// All With* methods return the Builder for chaining; Build validates and
// constructs.
type Builder struct {
	secretName string
	deviceID   uuid.UUID

	transport transport.Delegate
	store     store.IdentityStore
	cache     cache.Delegate
	appKeys   sessionstate.AppKeyProvider
	receiver  receiver.Delegate
	logger    *log.Logger

	lowWatermark     int
	batchSize        int
	rotationInterval time.Duration
}

// NewBuilder starts a Builder for the local user identified by secretName
// and deviceID.
func NewBuilder(secretName string, deviceID uuid.UUID) *Builder {
	return &Builder{
		secretName:       secretName,
		deviceID:         deviceID,
		lowWatermark:     10,
		batchSize:        config.DefaultBatchSize,
		rotationInterval: 7 * 24 * time.Hour,
	}
}

func (b *Builder) WithTransport(t transport.Delegate) *Builder {
	b.transport = t
	return b
}

func (b *Builder) WithStore(s store.IdentityStore) *Builder {
	b.store = s
	return b
}

func (b *Builder) WithCache(c cache.Delegate) *Builder {
	b.cache = c
	return b
}

func (b *Builder) WithAppKeyProvider(p sessionstate.AppKeyProvider) *Builder {
	b.appKeys = p
	return b
}

func (b *Builder) WithReceiver(r receiver.Delegate) *Builder {
	b.receiver = r
	return b
}

func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// WithLowWatermark sets the one-time reserve threshold (config.Config's
// LOW_WATERMARK) at or below which RefreshIdentities fires a detached refill.
func (b *Builder) WithLowWatermark(n int) *Builder {
	b.lowWatermark = n
	return b
}

// WithBatchSize sets the refill batch size (config.Config's BATCH_SIZE).
func (b *Builder) WithBatchSize(n int) *Builder {
	b.batchSize = n
	return b
}

// WithRotationInterval sets the scheduled PQ-KEM rotation interval
// (config.Config's ROTATION_INTERVAL).
func (b *Builder) WithRotationInterval(d time.Duration) *Builder {
	b.rotationInterval = d
	return b
}

// WithConfig applies the LowWatermark/BatchSize/RotationInterval tunables of
// a loaded config.Config, for callers that source them from the environment
// via config.Load rather than setting each individually. It also installs
// cfg.AppKeyProvider() as the app symmetric-key collaborator, so a caller
// that only calls WithConfig gets the Vault-or-environment-backed provider
// rather than needing a separate WithAppKeyProvider call. Call
// WithAppKeyProvider after WithConfig to override it.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.lowWatermark = cfg.LowWatermark
	b.batchSize = cfg.BatchSize
	b.rotationInterval = cfg.RotationInterval
	b.appKeys = cfg.AppKeyProvider()
	return b
}

// Build constructs a Session. If a sealed SessionContext is already present
// behind the cache delegate, it is restored; otherwise bootstrap supplies
// the freshly generated local device identity for a first run.
func (b *Builder) Build(ctx context.Context, bootstrap identity.SessionContext) (*Session, error) {
	if b.transport == nil {
		return nil, sessionerr.ErrNotInitialized(sessionerr.TransportNotInitialized, "builder: transport delegate required")
	}
	if b.store == nil {
		return nil, sessionerr.ErrNotInitialized(sessionerr.DatabaseNotInitialized, "builder: identity store required")
	}
	if b.cache == nil {
		return nil, sessionerr.ErrNotInitialized(sessionerr.DatabaseNotInitialized, "builder: cache delegate required")
	}
	if b.appKeys == nil {
		return nil, sessionerr.ErrConfiguration("builder: app key provider required", nil)
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stdout, "[PQSESSION] ", log.Ldate|log.Ltime|log.LUTC)
	}
	recv := b.receiver
	if recv == nil {
		recv = receiver.NopDelegate{}
	}

	restored, ok, err := sessionstate.Restore(ctx, b.cache, b.appKeys)
	if err != nil {
		return nil, err
	}
	initial := bootstrap
	if ok {
		initial = restored
	}
	if initial.SessionUser.SecretName == "" {
		return nil, sessionerr.ErrNotInitialized(sessionerr.SessionNotInitialized, "builder: no restored context and no bootstrap context supplied")
	}

	coord := sessionstate.New(initial, b.cache, b.appKeys)
	recon := reconcile.New(b.transport, b.store, logger, b.lowWatermark)
	life := keylifecycle.New(coord, b.transport, logger, b.batchSize, b.rotationInterval)

	return &Session{
		coordinator: coord,
		reconciler:  recon,
		lifecycle:   life,
		transport:   b.transport,
		store:       b.store,
		cache:       b.cache,
		receiver:    recv,
		logger:      logger,
	}, nil
}

// RefreshOptions re-exports reconcile.RefreshOptions for callers that only
// import the root package.
type RefreshOptions = reconcile.RefreshOptions

// OneTimeHint re-exports reconcile.OneTimeHint.
type OneTimeHint = reconcile.OneTimeHint

// RefreshIdentities is the public operation of spec.md §4.4: reconciles the
// local identity set for secretName against its verified remote
// configuration.
func (s *Session) RefreshIdentities(ctx context.Context, secretName string, opts RefreshOptions) ([]identity.SessionIdentity, error) {
	sc := s.coordinator.Load()

	ownDeviceIDs := make([]uuid.UUID, 0, len(sc.ActiveUserConfiguration.SignedDevices))
	for _, sd := range sc.ActiveUserConfiguration.SignedDevices {
		if sd.Device.DeviceID != sc.SessionUser.DeviceID {
			ownDeviceIDs = append(ownDeviceIDs, sd.Device.DeviceID)
		}
	}

	deps := reconcile.RefreshDeps{
		LocalSecretName:       sc.SessionUser.SecretName,
		LocalDeviceID:         sc.SessionUser.DeviceID,
		LocalDeviceIDs:        ownDeviceIDs,
		DatabaseEncryptionKey: sc.DatabaseEncryptionKey,
		OneTimeClassicalCount: len(sc.ActiveUserConfiguration.SignedOneTimeClassical),
		OneTimePQKemCount:     len(sc.ActiveUserConfiguration.SignedOneTimePQKem),
		Refill:                s.fireRefill,
		OnIdentityCreated: func(id identity.SessionIdentity) {
			s.receiver.OnIdentityCreated(secretName, id)
		},
		OnIdentityRemoved: func(id uuid.UUID) {
			s.receiver.OnIdentityRemoved(secretName, id)
		},
	}

	start := time.Now()
	result, err := s.reconciler.RefreshIdentities(ctx, secretName, opts, deps)
	metrics.RefreshLatency.Observe(time.Since(start).Seconds())
	return result, err
}

// fireRefill is reconcile.RefillTrigger: it launches both one-time key
// batches as detached, panic-recovered goroutines derived from a
// non-cancellable copy of the triggering context, per spec.md §5's "the
// caller's own cancellation does not cancel the detached refill."
func (s *Session) fireRefill(ctx context.Context) {
	detached := context.WithoutCancel(ctx)
	for _, kind := range []keylifecycle.OneTimeKeyKind{keylifecycle.Classical, keylifecycle.PQKem} {
		kind := kind
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("recovered panic during detached %s refill: %v", kind, r)
				}
			}()
			if err := s.lifecycle.RefillOneTimeKeys(detached, kind); err != nil {
				s.logger.Printf("detached %s refill failed: %v", kind, err)
			}
		}()
	}
}

// RefillOneTimeKeys refills one-time keys of the given kind on demand
// (spec.md §4.5's refill operation, invoked synchronously here rather than
// via the detached low-watermark trigger).
func (s *Session) RefillOneTimeKeys(ctx context.Context, kind keylifecycle.OneTimeKeyKind) error {
	return s.lifecycle.RefillOneTimeKeys(ctx, kind)
}

// RotatePQKEMIfNeeded runs the scheduled PQ-KEM rotation check (spec.md
// §4.5) and notifies the receiver delegate if a rotation occurred.
func (s *Session) RotatePQKEMIfNeeded(ctx context.Context) (bool, error) {
	rotated, err := s.lifecycle.RotatePQKEMIfNeeded(ctx)
	if err != nil {
		return rotated, err
	}
	if rotated {
		sc := s.coordinator.Load()
		s.receiver.OnKeysRotated(sc.SessionUser.SecretName, sc.SessionUser.DeviceID, false)
	}
	return rotated, nil
}

// RotateAllOnCompromise runs the emergency full rotation (spec.md §4.5) and
// notifies the receiver delegate.
func (s *Session) RotateAllOnCompromise(ctx context.Context) error {
	if err := s.lifecycle.RotateAllOnCompromise(ctx); err != nil {
		return err
	}
	sc := s.coordinator.Load()
	s.receiver.OnKeysRotated(sc.SessionUser.SecretName, sc.SessionUser.DeviceID, true)
	return nil
}

// ClearMemoization resets the refreshed-names memoization set, per spec.md
// §4.4's "reset on any hard identity-engine error and on process restart."
func (s *Session) ClearMemoization() {
	s.reconciler.ClearMemoization()
}

// StartScheduler begins the background PQ-KEM rotation scheduler (spec.md
// §4.5).
func (s *Session) StartScheduler(ctx context.Context) {
	s.lifecycle.Start(ctx)
}

// StopScheduler halts the background rotation scheduler.
func (s *Session) StopScheduler() {
	s.lifecycle.Stop()
}

// LocalSessionContext returns a snapshot of the current SessionContext, for
// callers that need direct read access (e.g. printing device state in a
// demo).
func (s *Session) LocalSessionContext() identity.SessionContext {
	return s.coordinator.Load()
}

// Close releases scheduler resources held by the Session. It does not close
// the caller-supplied transport, store, or cache delegates.
func (s *Session) Close() error {
	s.lifecycle.Stop()
	return nil
}

// ObserveOneTimeReserves updates the one-time reserve gauges from the
// current local configuration, for callers that poll periodically rather
// than wiring a push path.
func (s *Session) ObserveOneTimeReserves() {
	sc := s.coordinator.Load()
	metrics.UpdateReserves(sc.SessionUser.SecretName, len(sc.ActiveUserConfiguration.SignedOneTimeClassical), len(sc.ActiveUserConfiguration.SignedOneTimePQKem))
}
