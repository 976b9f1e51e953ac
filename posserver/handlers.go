// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mobiletoly/go-possync/internal/auth"
	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posmodel"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
	maxDocumentSize  = 1 << 20
)

// Handlers serves the sync and backup API.
type Handlers struct {
	store     DocumentStore
	jwt       *JWTAuth
	signer    *BackupSigner
	sink      BlobSink
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(posapi.ErrorResponse{Error: code, Message: message})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// syncTarget resolves the tenant and entity kind of a sync request.
func (h *Handlers) syncTarget(w http.ResponseWriter, r *http.Request) (auth.Principal, posmodel.Kind, bool) {
	p, ok := auth.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing principal")
		return p, "", false
	}
	kind, err := posmodel.ParseKind(chi.URLParam(r, "kind"))
	if err != nil || !kind.Synced() {
		writeError(w, http.StatusNotFound, "unknown_kind", "unknown entity kind")
		return p, "", false
	}
	return p, kind, true
}

// HandlePull returns the changes of one kind after a cursor.
func (h *Handlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	p, kind, ok := h.syncTarget(w, r)
	if !ok {
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsedAfter, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsedAfter < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be an integer >= 0")
			return
		}
		after = parsedAfter
	}

	limit := defaultPageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 || parsedLimit > maxPageLimit {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	page, err := h.store.Changes(r.Context(), p.CompanyID, kind, r.URL.Query().Get("location"), after, limit)
	if err != nil {
		h.logger.Error("Failed to read changes", "error", err, "kind", kind, "company", p.CompanyID)
		writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to read changes")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// HandlePut stores a pushed document.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	p, kind, ok := h.syncTarget(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "document too large")
		return
	}

	seq, err := h.store.Put(r.Context(), p.CompanyID, kind, id, body)
	if errors.Is(err, ErrInvalidDocument) {
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to store document", "error", err, "kind", kind, "id", id, "device", p.DeviceID)
		writeError(w, http.StatusInternalServerError, "push_failed", "Failed to store document")
		return
	}
	h.logger.Debug("Document stored", "kind", kind, "id", id, "seq", seq, "device", p.DeviceID)
	h.writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

// HandleDelete tombstones a document. Deleting an unknown id succeeds.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p, kind, ok := h.syncTarget(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.store.Delete(r.Context(), p.CompanyID, kind, id); err != nil {
		h.logger.Error("Failed to delete document", "error", err, "kind", kind, "id", id)
		writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBackupURL issues a signed upload URL for the caller's device.
func (h *Handlers) HandleBackupURL(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing principal")
		return
	}
	var req posapi.BackupURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Device == "" {
		req.Device = p.DeviceID
	}
	if req.Device != p.DeviceID {
		writeError(w, http.StatusForbidden, "forbidden", "device does not match token")
		return
	}
	if err := validBlobName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	u, expires := h.signer.SignedURL(base, req.Device, req.Name, h.now())
	h.writeJSON(w, http.StatusOK, posapi.UploadURLResponse{URL: u, Method: http.MethodPut, ExpiresAt: expires})
}

// HandleBlobUpload accepts a backup archive on a signed URL.
func (h *Handlers) HandleBlobUpload(w http.ResponseWriter, r *http.Request) {
	device, name := chi.URLParam(r, "device"), chi.URLParam(r, "name")
	if err := h.signer.Verify(device, name, r.URL.Query(), h.now()); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	n, err := h.sink.Store(r.Context(), device, name, r.Body)
	if err != nil {
		h.logger.Error("Failed to store backup", "error", err, "device", device, "name", name)
		writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to store backup")
		return
	}
	h.logger.Info("Backup stored", "device", device, "name", name, "bytes", n)
	w.WriteHeader(http.StatusCreated)
}

// HandleSignIn is a development sign-in: any password is accepted.
func (h *Handlers) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req posapi.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user required")
		return
	}
	if req.Company == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "company required")
		return
	}
	if req.Device == "" {
		req.Device = "device-" + strconv.FormatInt(h.now().UnixNano(), 36)
	}
	const ttl = time.Hour
	tok, err := h.jwt.GenerateToken(req.User, req.Device, req.Company, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, posapi.SignInResponse{
		Token:     tok,
		ExpiresIn: int64(ttl / time.Second),
		User:      req.User,
		Device:    req.Device,
		Company:   req.Company,
	})
	h.logger.Info("Generated dummy JWT", "user", req.User, "device", req.Device, "company", req.Company)
}

// HandleHealth provides a simple health check endpoint
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	kinds := make([]string, 0, len(posmodel.SyncedKinds))
	for _, k := range posmodel.SyncedKinds {
		kinds = append(kinds, string(k))
	}
	h.writeJSON(w, http.StatusOK, posapi.StatusResponse{Status: "healthy", Kinds: kinds})
}
