package session

import (
	"errors"
	"fmt"

	"github.com/jmcleod/gatehouse/storage"
)

var (
	// ErrSessionNotFound is returned when a session id is absent or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCreationFailed is returned when a fresh id collides twice.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrStoreUnavailable wraps backend failures other than not-found and
	// duplicate-key. It is the only retryable class.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrIdentityResolution is returned when the profile cannot be mapped
	// to a user.
	ErrIdentityResolution = errors.New("identity resolution failed")
)

// storeError classifies a repository error for a single session id.
func storeError(id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
