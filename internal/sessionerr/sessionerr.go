// Package sessionerr defines the typed error taxonomy shared by every
// component of the session identity engine. It generalizes the teacher's
// WebSocketError (internal/websocket/hub.go) from a free-form code string
// into the closed §7 ErrorKind enum.
package sessionerr

import (
	"fmt"
	"time"
)

// ErrorKind enumerates the taxonomy from spec.md §7.
type ErrorKind string

const (
	SessionNotInitialized  ErrorKind = "session_not_initialized"
	DatabaseNotInitialized ErrorKind = "database_not_initialized"
	TransportNotInitialized ErrorKind = "transport_not_initialized"
	InvalidSignature       ErrorKind = "invalid_signature"
	InvalidDeviceIdentity  ErrorKind = "invalid_device_identity"
	DrainedKeys            ErrorKind = "drained_keys"
	SessionDecryptionError ErrorKind = "session_decryption_error"
	SessionEncryptionError ErrorKind = "session_encryption_error"
	SaltError              ErrorKind = "salt_error"
	ConfigurationError     ErrorKind = "configuration_error"
)

// Error is a standardized error with context, modeled on WebSocketError.
type Error struct {
	Kind    ErrorKind
	Message string
	Context string
	Cause   error
	At      time.Time
}

// New creates a new Error of the given kind.
func New(kind ErrorKind, message, context string) *Error {
	return &Error{Kind: kind, Message: message, Context: context, At: time.Now().UTC()}
}

// Wrap creates a new Error of the given kind wrapping a cause.
func Wrap(kind ErrorKind, message, context string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Context: context, Cause: cause, At: time.Now().UTC()}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (context: %s, at: %s): %v", e.Kind, e.Message, e.Context, e.At.Format(time.RFC3339), e.Cause)
	}
	return fmt.Sprintf("[%s] %s (context: %s, at: %s)", e.Kind, e.Message, e.Context, e.At.Format(time.RFC3339))
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}

// Convenience constructors used throughout the engine.

func ErrInvalidSignature(context string, cause error) *Error {
	return Wrap(InvalidSignature, "peer's configuration is tampered or outdated", context, cause)
}

func ErrDrainedKeys(context string) *Error {
	return New(DrainedKeys, "peer has no usable pre-keys, retry later", context)
}

func ErrDecryption(context string, cause error) *Error {
	return Wrap(SessionDecryptionError, "failed to decrypt session record", context, cause)
}

func ErrEncryption(context string, cause error) *Error {
	return Wrap(SessionEncryptionError, "failed to encrypt session record", context, cause)
}

func ErrSalt(context string, cause error) *Error {
	return Wrap(SaltError, "failed to derive key material", context, cause)
}

func ErrConfiguration(context string, cause error) *Error {
	return Wrap(ConfigurationError, "invalid configuration", context, cause)
}

func ErrNotInitialized(kind ErrorKind, context string) *Error {
	return New(kind, "component is not initialized", context)
}

func ErrInvalidDeviceIdentity(context string, cause error) *Error {
	return Wrap(InvalidDeviceIdentity, "device identity could not be validated", context, cause)
}
