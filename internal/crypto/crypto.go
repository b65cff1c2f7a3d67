// Package crypto is the crypto primitives facade (C1): classical signature
// and KEM keys, post-quantum KEM, AEAD symmetric encryption and KDF. No
// operation in this package performs I/O.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

var (
	// ErrVerificationFailed means an AEAD tag or a PQ-KEM decapsulation did
	// not verify; signature checks report through Verify's bool instead.
	// Never conflated with ErrDecodeFailed (spec.md §4.1).
	ErrVerificationFailed = errors.New("crypto: verification failed")
	// ErrDecodeFailed means the input could not even be parsed.
	ErrDecodeFailed = errors.New("crypto: decode failed")
)

// SigningKeyPair is an Ed25519 signing key pair.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenSigningKeypair generates a new Ed25519 signing key pair.
func GenSigningKeypair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("crypto: generate signing keypair: %w", err)
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs bytes with an Ed25519 private key.
func Sign(private ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(private, message)
}

// Verify verifies an Ed25519 signature. Returns false on verification
// failure; it never returns an error for "signature didn't match" so callers
// cannot confuse that with a decode failure upstream of this call.
func Verify(public ed25519.PublicKey, message, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, message, sig)
}

// ClassicalKEMKeyPair is an X25519 key pair used for classical key
// agreement (long-term keys, one-time classical pre-keys).
type ClassicalKEMKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenClassicalKEMKeypair generates a new X25519 key pair, following the
// teacher's internal/security/signal.go GenerateKeyPair clamping.
func GenClassicalKEMKeypair() (ClassicalKEMKeyPair, error) {
	var priv, pub [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return ClassicalKEMKeyPair{}, fmt.Errorf("crypto: generate classical kem keypair: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return ClassicalKEMKeyPair{Public: pub, Private: priv}, nil
}

// ClassicalKEMAgree performs X25519 key agreement.
func ClassicalKEMAgree(private, public [32]byte) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &private, &public)
	var zero [32]byte
	if shared == zero {
		return shared, fmt.Errorf("crypto: classical kem agreement produced all-zero output")
	}
	return shared, nil
}

// pqScheme is the MLKEM-1024 (Kyber1024-class) KEM scheme, accessed through
// circl's generic kem.Scheme interface rather than the package's concrete
// types, since that interface is stable across circl's KEM families.
var pqScheme = mlkem1024.Scheme()

// PQKEMKeyPair is a post-quantum (MLKEM-1024 / Kyber1024-class) key pair.
// PrivateEncoded/PublicRaw match §4.1's gen_pqkem_keypair() -> (private_encoded, public_raw).
type PQKEMKeyPair struct {
	PrivateEncoded []byte
	PublicRaw      []byte
}

// GenPQKEMKeypair generates a new MLKEM-1024 key pair.
func GenPQKEMKeypair() (PQKEMKeyPair, error) {
	pub, priv, err := pqScheme.GenerateKeyPair()
	if err != nil {
		return PQKEMKeyPair{}, fmt.Errorf("crypto: generate pqkem keypair: %w", err)
	}
	privEnc, err := priv.MarshalBinary()
	if err != nil {
		return PQKEMKeyPair{}, fmt.Errorf("crypto: marshal pqkem private: %w", err)
	}
	pubRaw, err := pub.MarshalBinary()
	if err != nil {
		return PQKEMKeyPair{}, fmt.Errorf("crypto: marshal pqkem public: %w", err)
	}
	return PQKEMKeyPair{PrivateEncoded: privEnc, PublicRaw: pubRaw}, nil
}

// PQKEMEncapsulate encapsulates a shared secret under a public key, for the
// initiating side of a session (no decapsulation private key needed locally).
func PQKEMEncapsulate(publicRaw []byte) (sharedSecret, ciphertext []byte, err error) {
	pub, err := pqScheme.UnmarshalBinaryPublicKey(publicRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pqkem public key: %v", ErrDecodeFailed, err)
	}
	ct, ss, err := pqScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: pqkem encapsulate: %w", err)
	}
	return ss, ct, nil
}

// PQKEMDecapsulate recovers the shared secret from a ciphertext using the
// holder's private key.
func PQKEMDecapsulate(privateEncoded, ciphertext []byte) ([]byte, error) {
	priv, err := pqScheme.UnmarshalBinaryPrivateKey(privateEncoded)
	if err != nil {
		return nil, fmt.Errorf("%w: pqkem private key: %v", ErrDecodeFailed, err)
	}
	if len(ciphertext) != pqScheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: pqkem ciphertext size", ErrDecodeFailed)
	}
	ss, err := pqScheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: pqkem decapsulate: %v", ErrVerificationFailed, err)
	}
	return ss, nil
}

// AEADSeal encrypts plaintext under key with AES-256-GCM, nonce-prefixed,
// generalizing internal/security/crypto.go's EncryptAESGCM.
func AEADSeal(key, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: aead key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: aead nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AEADOpen decrypts ciphertext produced by AEADSeal. It returns
// ErrVerificationFailed on tag mismatch, distinct from a malformed-input
// ErrDecodeFailed, per §4.1.
func AEADOpen(key, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: aead key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecodeFailed)
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return plaintext, nil
}

// HKDFDeriveKey derives keying material from existing key material via
// HKDF-SHA256, generalizing signal.go's HKDFDeriveKey.
func HKDFDeriveKey(inputKeyMaterial, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return out, nil
}

// KDF derives a 32-byte symmetric key from a password and salt using
// Argon2id, matching §4.1's kdf(password, salt) -> sym_key.
func KDF(password, salt []byte) ([]byte, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("crypto: kdf salt must be at least 16 bytes")
	}
	return argon2.IDKey(password, salt, 3, 64*1024, 4, 32), nil
}
