package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/session"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type sessionHandler struct {
	store  *session.Store
	logger *slog.Logger
}

// sessionResponse is the wire shape of one session.
type sessionResponse struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Filter    session.ContextFilter `json:"contextFilters"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// turnResponse is the wire shape of one turn.
type turnResponse struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Meta      session.TurnMeta `json:"meta"`
	CreatedAt time.Time        `json:"createdAt"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID.String(),
		Title:     s.Title,
		Filter:    s.Filter,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// list handles GET /api/sessions.
func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header", h.logger)
		return
	}

	limit, offset := pagination(r)
	sessions, err := h.store.List(r.Context(), owner, limit, offset)
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions", h.logger)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out}, h.logger)
}

// get handles GET /api/sessions/{id}.
func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Get(r.Context(), owner, id)
	if err != nil {
		h.writeStoreError(w, err, "getting session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess), h.logger)
}

// turns handles GET /api/sessions/{id}/turns.
func (h *sessionHandler) turns(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	// Ownership check before reading turns.
	if _, err := h.store.Get(r.Context(), owner, id); err != nil {
		h.writeStoreError(w, err, "getting session")
		return
	}

	limit, offset := pagination(r)
	turns, err := h.store.Turns(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("listing turns", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list turns", h.logger)
		return
	}

	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnResponse{
			ID:        t.ID.String(),
			Role:      t.Role,
			Content:   t.Content,
			Meta:      t.Meta,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": out}, h.logger)
}

// update handles PATCH /api/sessions/{id} for title and/or context filter.
func (h *sessionHandler) update(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	var body struct {
		Title  *string                `json:"title"`
		Filter *session.ContextFilter `json:"contextFilters"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body", h.logger)
		return
	}
	if body.Title == nil && body.Filter == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "nothing to update", h.logger)
		return
	}

	// Ownership check before writing.
	if _, err := h.store.Get(r.Context(), owner, id); err != nil {
		h.writeStoreError(w, err, "getting session")
		return
	}

	if body.Title != nil {
		if err := h.store.UpdateTitle(r.Context(), id, *body.Title); err != nil {
			h.writeStoreError(w, err, "updating title")
			return
		}
	}
	if body.Filter != nil {
		if err := h.store.UpdateFilter(r.Context(), id, *body.Filter); err != nil {
			h.writeStoreError(w, err, "updating filter")
			return
		}
	}

	sess, err := h.store.Get(r.Context(), owner, id)
	if err != nil {
		h.writeStoreError(w, err, "getting session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess), h.logger)
}

// delete handles DELETE /api/sessions/{id}.
func (h *sessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), owner, id); err != nil {
		h.writeStoreError(w, err, "deleting session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownerAndID extracts and validates the caller identity and path id,
// writing the error response itself on failure.
func (h *sessionHandler) ownerAndID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header", h.logger)
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a UUID", h.logger)
		return "", uuid.Nil, false
	}
	return owner, id, true
}

func (h *sessionHandler) writeStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		return
	}
	h.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageLimit {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
