package sessionerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-chat/pqsession/internal/sessionerr"
)

func TestIsMatchesDirectKind(t *testing.T) {
	err := sessionerr.ErrDrainedKeys("reconcile")
	require.True(t, sessionerr.Is(err, sessionerr.DrainedKeys))
	require.False(t, sessionerr.Is(err, sessionerr.SaltError))
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	cause := sessionerr.ErrSalt("hkdf", errors.New("short read"))
	wrapped := fmt.Errorf("keylifecycle: derive: %w", cause)
	require.True(t, sessionerr.Is(wrapped, sessionerr.SaltError))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, sessionerr.Is(errors.New("boom"), sessionerr.SaltError))
	require.False(t, sessionerr.Is(nil, sessionerr.SaltError))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := sessionerr.ErrDecryption("envelope", cause)
	require.ErrorIs(t, err, cause)
}

func TestErrorStringIncludesKindAndContext(t *testing.T) {
	err := sessionerr.ErrConfiguration("builder", nil)
	require.Contains(t, err.Error(), string(sessionerr.ConfigurationError))
	require.Contains(t, err.Error(), "builder")
}

func TestErrNotInitializedCarriesRequestedKind(t *testing.T) {
	err := sessionerr.ErrNotInitialized(sessionerr.TransportNotInitialized, "builder")
	require.True(t, sessionerr.Is(err, sessionerr.TransportNotInitialized))
}
