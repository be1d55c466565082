package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
	"github.com/veranemoloko/artifact-provisioner/internal/registry"
)

// Downloads defines the registry surface the handlers need.
type Downloads interface {
	Start(spec domain.DownloadSpec) error
	Pause(identity string) error
	Resume(identity string) error
	Cancel(identity string) error
	Get(identity string) (*domain.Item, bool)
	Snapshot() domain.AggregateSnapshot
}

// DownloadHandler handles HTTP requests for downloads.
type DownloadHandler struct {
	downloads Downloads
	validator *validator.Validate
	logger    *slog.Logger
}

// NewDownloadHandler creates a handler with the provided registry and logger.
func NewDownloadHandler(downloads Downloads, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		validator: validator.New(),
		logger:    logger,
	}
}

// Start handles POST /downloads.
func (h *DownloadHandler) Start(w http.ResponseWriter, r *http.Request) {
	var spec domain.DownloadSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(spec); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.downloads.Start(spec); err != nil {
		h.logger.Error("failed to start download", "identity", spec.Identity, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("download started", "identity", spec.Identity, "kind", spec.Kind)
	writeJSON(w, http.StatusAccepted, map[string]any{"identity": spec.Identity})
}

// Get handles GET /downloads/{identity}.
func (h *DownloadHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityParam(w, r)
	if !ok {
		return
	}

	item, found := h.downloads.Get(identity)
	if !found {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Overview handles GET /downloads.
func (h *DownloadHandler) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.downloads.Snapshot())
}

// Pause handles POST /downloads/{identity}/pause.
func (h *DownloadHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.downloads.Pause, "paused")
}

// Resume handles POST /downloads/{identity}/resume.
func (h *DownloadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.downloads.Resume, "resumed")
}

// Cancel handles DELETE /downloads/{identity}.
func (h *DownloadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.downloads.Cancel, "cancelled")
}

func (h *DownloadHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error, verb string) {
	identity, ok := identityParam(w, r)
	if !ok {
		return
	}

	if err := op(identity); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "download not found")
			return
		}
		h.logger.Error("lifecycle operation failed", "identity", identity, "op", verb, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("download "+verb, "identity", identity)
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "status": verb})
}

// identityParam extracts the URL-escaped identity path parameter; catalog
// identities like "org/model" arrive percent-encoded.
func identityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "identity")
	identity, err := url.PathUnescape(raw)
	if err != nil || identity == "" {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return "", false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
