// Command pqsessionload fires many concurrent RefreshIdentities and
// RefillOneTimeKeys calls at a single Session to exercise its serialization
// point, reporting timing through the prometheus/client_golang registry on
// an HTTP /metrics endpoint, the way the teacher's service mains expose
// their own metrics.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	pqsession "github.com/coriolis-chat/pqsession"
	"github.com/coriolis-chat/pqsession/internal/config"
	pqcrypto "github.com/coriolis-chat/pqsession/internal/crypto"
	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/keylifecycle"
	"github.com/coriolis-chat/pqsession/internal/metrics"
	"github.com/coriolis-chat/pqsession/internal/store/memstore"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

type loadTransport struct {
	mu      sync.Mutex
	configs map[string]identity.UserConfiguration
}

func (t *loadTransport) FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configs[secretName], nil
}

func (t *loadTransport) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (transport.OneTimeKeyIDs, error) {
	return transport.OneTimeKeyIDs{}, nil
}

func (t *loadTransport) PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error {
	return nil
}

func (t *loadTransport) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload transport.RotatedKeysPayload) error {
	return nil
}

func (t *loadTransport) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	return nil
}

var _ transport.Delegate = (*loadTransport)(nil)

type loadCache struct {
	mu     sync.Mutex
	sealed []byte
}

func (c *loadCache) FetchLocalSessionContext(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed, nil
}
func (c *loadCache) UpdateLocalSessionContext(ctx context.Context, sealed []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = sealed
	return nil
}
func (c *loadCache) CreateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (c *loadCache) FetchAllSessionIdentities(ctx context.Context) ([]identity.SessionIdentity, error) {
	return nil, nil
}
func (c *loadCache) UpdateSessionIdentity(ctx context.Context, id identity.SessionIdentity) error {
	return nil
}
func (c *loadCache) DeleteSessionIdentity(ctx context.Context, id uuid.UUID) error { return nil }

func main() {
	addr := flag.String("addr", ":9102", "address to serve /metrics on")
	concurrency := flag.Int("concurrency", 32, "number of concurrent callers")
	iterations := flag.Int("iterations", 200, "iterations per caller")
	flag.Parse()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Printf("serving /metrics on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	ctx := context.Background()
	ft := &loadTransport{configs: map[string]identity.UserConfiguration{}}

	sc, deviceID := provisionLoadDevice()
	ft.configs[sc.SessionUser.SecretName] = sc.ActiveUserConfiguration

	os.Setenv("DATABASE_ENCRYPTION_KEY", hex.EncodeToString(loadSymmetricKey()))
	os.Setenv("LOW_WATERMARK", "0")
	os.Setenv("BATCH_SIZE", "5")
	cfg, err := config.Load(sc.SessionUser.SecretName)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sess, err := pqsession.NewBuilder(sc.SessionUser.SecretName, deviceID).
		WithTransport(ft).
		WithStore(memstore.New()).
		WithCache(&loadCache{}).
		WithConfig(cfg).
		Build(ctx, sc)
	if err != nil {
		log.Fatalf("build session: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < *iterations; i++ {
				switch i % 3 {
				case 0:
					if _, err := sess.RefreshIdentities(ctx, sc.SessionUser.SecretName, pqsession.RefreshOptions{Force: true}); err != nil {
						log.Printf("worker %d: refresh: %v", worker, err)
					}
				case 1:
					if err := sess.RefillOneTimeKeys(ctx, keylifecycle.Classical); err != nil {
						log.Printf("worker %d: refill classical: %v", worker, err)
					}
				case 2:
					if err := sess.RefillOneTimeKeys(ctx, keylifecycle.PQKem); err != nil {
						log.Printf("worker %d: refill pqkem: %v", worker, err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := *concurrency * *iterations
	log.Printf("completed %d calls across %d workers in %s (%.0f calls/sec)", total, *concurrency, elapsed, float64(total)/elapsed.Seconds())

	sess.ObserveOneTimeReserves()
	log.Printf("metrics still being served on %s; press ctrl-c to exit", *addr)
	select {}
}

func provisionLoadDevice() (identity.SessionContext, uuid.UUID) {
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
		DeviceName:       "load-primary",
		IsMaster:         true,
		SigningPublic:    []byte(signing.Public),
		LongTermPublic:   longTerm.Public[:],
		FinalPQKemPublic: pqkem.PublicRaw,
	}
	sig := pqcrypto.Sign(signing.Private, canonicalDevice(device))

	sc := identity.SessionContext{
		SessionUser: identity.SessionUser{
			SecretName: "loadtest",
			DeviceID:   deviceID,
			DeviceKeys: identity.DeviceKeys{
				DeviceID:          deviceID,
				SigningPrivate:    []byte(signing.Private),
				LongTermPrivate:   longTerm.Private[:],
				FinalPQKemPrivate: pqkem.PrivateEncoded,
				RotateKeysAt:      time.Now().UTC(),
			},
		},
		DatabaseEncryptionKey: loadSymmetricKey(),
		ActiveUserConfiguration: identity.UserConfiguration{
			SigningPublic: []byte(signing.Public),
			SignedDevices: []identity.SignedDeviceConfiguration{{Device: device, Signature: sig}},
		},
	}
	return sc, deviceID
}

func canonicalDevice(d identity.UserDeviceConfiguration) []byte {
	doc, err := bson.Marshal(d)
	if err != nil {
		log.Fatalf("canonical encode device: %v", err)
	}
	return doc
}

func loadSymmetricKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 5)
	}
	return key
}
