package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/filestore"
	"github.com/kanzleihq/advisor/internal/ingest"
)

// downloadURLTTL is the lifetime of presigned download links.
const downloadURLTTL = 15 * time.Minute

type fileHandler struct {
	files   *ingest.Store
	objects filestore.Store
	logger  *slog.Logger
}

// downloadURL handles GET /api/files/{id}/url.
func (h *fileHandler) downloadURL(w http.ResponseWriter, r *http.Request) {
	if ownerID(r) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header", h.logger)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file id must be a UUID", h.logger)
		return
	}

	file, err := h.files.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "file not found", h.logger)
			return
		}
		h.logger.Error("getting file record", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	url, err := h.objects.PresignedURL(r.Context(), file.StoragePath, downloadURLTTL)
	if err != nil {
		h.logger.Error("presigning download URL", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create download URL", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"name":      file.Name,
		"expiresIn": int(downloadURLTTL.Seconds()),
	}, h.logger)
}
