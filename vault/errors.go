package vault

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ledgervault/crypto"
)

// The crypto taxonomy, re-exported so callers only import vault.
var (
	ErrLocked          = crypto.ErrLocked
	ErrInvalidFormat   = crypto.ErrInvalidFormat
	ErrDecryptFailed   = crypto.ErrDecryptFailed
	ErrInvalidPassword = crypto.ErrInvalidPassword
	ErrUnsupportedKDF  = crypto.ErrUnsupportedKDF
)

var (
	// ErrMigrationFailed indicates legacy data could not be assembled or the
	// first encrypted write failed. Legacy plaintext is left in place.
	ErrMigrationFailed = errors.New("vault migration failed")
	// ErrStorageCollision indicates another writer replaced the blob since it was read.
	ErrStorageCollision = errors.New("storage collision")
	// ErrAlreadyUnlocked is returned by Unlock when a session is already open.
	ErrAlreadyUnlocked = errors.New("vault already unlocked")
	// ErrUnlockInProgress is returned by Unlock while another unlock is running.
	ErrUnlockInProgress = errors.New("unlock in progress")
	// ErrStaleFieldVersion indicates a write carried a field version lower than the stored one.
	ErrStaleFieldVersion = errors.New("stale field version")
	// ErrProfileNotFound indicates no salt/KDF profile has been stored for the user.
	ErrProfileNotFound = errors.New("vault profile not found")
	// ErrProfileExists is returned by InitProfile when a profile is already stored.
	ErrProfileExists = errors.New("vault profile already exists")
	// ErrClosed is returned once the vault has been closed.
	ErrClosed = errors.New("vault closed")
)

// ValidationError describes rejected caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
