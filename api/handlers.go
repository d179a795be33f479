package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/util"
	"github.com/jmcleod/ledgervault/vault"
)

const lockFlushTimeout = 5 * time.Second

// Unlock handles POST /v1/unlock.
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidPassword, "userId and password are required")
		return
	}
	if blocked, retryAfter := a.unlockLimiter.check(req.UserID); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	err := a.unlock(r.Context(), req)
	if errors.Is(err, vault.ErrDecryptFailed) {
		a.unlockLimiter.sweep()
		a.unlockLimiter.recordFailure(req.UserID)
		a.alerts.recordUnlockFailure()
	}
	if err != nil {
		mapError(w, err)
		return
	}
	a.unlockLimiter.recordSuccess(req.UserID)
	writeJSON(w, http.StatusOK, a.vault.Status())
}

func (a *API) unlock(ctx context.Context, req UnlockRequest) error {
	if req.SaltB64 == "" && req.KDF == "" {
		return a.vault.UnlockWithProfile(ctx, req.Password, req.UserID)
	}
	salt, err := util.B64Decode(req.SaltB64)
	if err != nil {
		return &vault.ValidationError{Msg: "salt_b64 is not valid base64"}
	}
	kdf := crypto.KDFArgon2id
	if req.KDF != "" {
		if kdf, err = crypto.ParseKDF(req.KDF); err != nil {
			return err
		}
	}
	return a.vault.Unlock(ctx, req.Password, req.UserID, salt, kdf)
}

// Lock handles POST /v1/lock. Pending writes are flushed before the session
// is wiped.
func (a *API) Lock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), lockFlushTimeout)
	defer cancel()
	if err := a.vault.Flush(ctx); err != nil {
		a.logger.Warn("flush before lock failed", slog.String("error", err.Error()))
	}
	a.vault.Lock(vault.LockManual)
	writeJSON(w, http.StatusOK, a.vault.Status())
}

// Activity handles POST /v1/activity.
func (a *API) Activity(w http.ResponseWriter, r *http.Request) {
	a.vault.TouchActivity()
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/status.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.vault.Status())
}

// ListFields handles GET /v1/fields.
func (a *API) ListFields(w http.ResponseWriter, r *http.Request) {
	s := a.vault.Session()
	names := s.FieldNames()
	limit, offset := parsePage(r)
	start, end, page := paginate(len(names), limit, offset)

	out := ListFieldsResponse{Fields: make([]FieldSummary, 0, end-start), Page: page}
	for _, name := range names[start:end] {
		meta, _ := s.FieldMeta(name)
		out.Fields = append(out.Fields, FieldSummary{Name: name, Version: meta.Version, LastUpdated: meta.LastUpdated})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetField handles GET /v1/fields/{name}.
func (a *API) GetField(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value := a.vault.GetField(name)
	if value == nil {
		if !a.vault.IsUnlocked() {
			mapError(w, vault.ErrLocked)
			return
		}
		writeError(w, http.StatusNotFound, CodeFieldNotFound, "field not found")
		return
	}
	meta, _ := a.vault.Session().FieldMeta(name)
	writeJSON(w, http.StatusOK, FieldResponse{
		Name:        name,
		Value:       value,
		Version:     meta.Version,
		LastUpdated: meta.LastUpdated,
	})
}

// PutField handles PUT /v1/fields/{name}. With ?sync=true it waits until the
// change is persisted.
func (a *API) PutField(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req PutFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "value is required")
		return
	}
	if err := a.vault.SetField(name, req.Value, vault.FieldMeta{Version: req.Version}); err != nil {
		mapError(w, err)
		return
	}
	if !a.maybeFlush(w, r) {
		return
	}
	meta, _ := a.vault.Session().FieldMeta(name)
	writeJSON(w, http.StatusOK, FieldResponse{Name: name, Version: meta.Version, LastUpdated: meta.LastUpdated})
}

// DeleteField handles DELETE /v1/fields/{name}.
func (a *API) DeleteField(w http.ResponseWriter, r *http.Request) {
	if err := a.vault.DeleteField(chi.URLParam(r, "name")); err != nil {
		mapError(w, err)
		return
	}
	if !a.maybeFlush(w, r) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) maybeFlush(w http.ResponseWriter, r *http.Request) bool {
	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); !sync {
		return true
	}
	if err := a.vault.Flush(r.Context()); err != nil {
		mapError(w, err)
		return false
	}
	return true
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// PageMeta is embedded in paginated list responses.
type PageMeta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// parsePage reads "limit" and "offset". Invalid or non-positive values fall
// back to the defaults; limit is capped at maxPageLimit.
func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// paginate returns slice bounds for total items. An offset past the end
// yields an empty page.
func paginate(total, limit, offset int) (start, end int, meta PageMeta) {
	start = min(offset, total)
	end = min(start+limit, total)
	return start, end, PageMeta{Total: total, Limit: limit, Offset: offset, HasMore: end < total}
}
