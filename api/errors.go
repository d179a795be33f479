package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ledgervault/vault"
)

// Stable error codes.
const (
	CodeVaultLocked       = "VAULT_LOCKED"
	CodeInvalidFormat     = "INVALID_FORMAT"
	CodeDecryptFailed     = "DECRYPT_FAILED"
	CodeInvalidPassword   = "INVALID_PASSWORD"
	CodeMigrationFailed   = "VAULT_MIGRATION_FAILED"
	CodeUnsupportedKDF    = "UNSUPPORTED_KDF"
	CodeAlreadyUnlocked   = "ALREADY_UNLOCKED"
	CodeUnlockInProgress  = "UNLOCK_IN_PROGRESS"
	CodeStaleFieldVersion = "STALE_FIELD_VERSION"
	CodeStorageCollision  = "STORAGE_COLLISION"
	CodeProfileNotFound   = "PROFILE_NOT_FOUND"
	CodeFieldNotFound     = "FIELD_NOT_FOUND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeRateLimited       = "RATE_LIMITED"
	CodeVaultClosed       = "VAULT_CLOSED"
	CodeInternal          = "INTERNAL"
)

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

// mapError writes the status and code for a vault error. Unknown errors are
// reported without their message.
func mapError(w http.ResponseWriter, err error) {
	var verr *vault.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, verr.Error())
	case errors.Is(err, vault.ErrLocked):
		writeError(w, http.StatusLocked, CodeVaultLocked, "vault is locked")
	case errors.Is(err, vault.ErrInvalidFormat):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidFormat, "stored vault data is malformed")
	case errors.Is(err, vault.ErrDecryptFailed):
		writeError(w, http.StatusUnauthorized, CodeDecryptFailed, "wrong password or corrupted vault")
	case errors.Is(err, vault.ErrInvalidPassword):
		writeError(w, http.StatusBadRequest, CodeInvalidPassword, err.Error())
	case errors.Is(err, vault.ErrUnsupportedKDF):
		writeError(w, http.StatusBadRequest, CodeUnsupportedKDF, err.Error())
	case errors.Is(err, vault.ErrMigrationFailed):
		writeError(w, http.StatusInternalServerError, CodeMigrationFailed, "legacy data could not be migrated")
	case errors.Is(err, vault.ErrAlreadyUnlocked):
		writeError(w, http.StatusConflict, CodeAlreadyUnlocked, err.Error())
	case errors.Is(err, vault.ErrUnlockInProgress):
		writeError(w, http.StatusConflict, CodeUnlockInProgress, err.Error())
	case errors.Is(err, vault.ErrStaleFieldVersion):
		writeError(w, http.StatusConflict, CodeStaleFieldVersion, err.Error())
	case errors.Is(err, vault.ErrStorageCollision):
		writeError(w, http.StatusConflict, CodeStorageCollision, "vault was modified by another writer; unlock again")
	case errors.Is(err, vault.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, CodeProfileNotFound, err.Error())
	case errors.Is(err, vault.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, CodeVaultClosed, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
