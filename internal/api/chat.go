package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/chat"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/session"
	"github.com/kanzleihq/advisor/internal/stream"
)

// maxChatBodyBytes caps the request body; uploads ride in the same JSON
// payload as base64.
const maxChatBodyBytes = 32 << 20

// chatRequest is the wire shape of one submission.
type chatRequest struct {
	Message        string                 `json:"message"`
	History        []chat.HistoryMessage  `json:"history,omitempty"`
	SessionID      string                 `json:"sessionId,omitempty"`
	PersonaID      string                 `json:"personaId,omitempty"`
	ContextFilters *session.ContextFilter `json:"contextFilters,omitempty"`
	Files          []chatUpload           `json:"files,omitempty"`
}

type chatUpload struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	DataBase64  string `json:"dataBase64"`
}

type chatHandler struct {
	orchestrator orchestrator
	logger       *slog.Logger
}

// stream handles POST /api/chat/stream: one submission in, an NDJSON chunk
// sequence out, always terminated by a done chunk.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header", h.logger)
		return
	}

	req, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	req.OwnerID = owner

	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported", h.logger)
		return
	}

	for chunk := range h.orchestrator.Run(r.Context(), *req) {
		if err := sw.Write(chunk); err != nil {
			// The producer unblocks via the request context, which is
			// cancelled when this handler returns.
			h.logger.Debug("client disconnected mid-stream", "error", err)
			return
		}
	}
}

// parseRequest decodes and validates the submission body.
func (h *chatHandler) parseRequest(r *http.Request) (*chat.Request, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxChatBodyBytes)

	var body chatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, errors.New("malformed request body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return nil, errors.New("message is required")
	}

	req := &chat.Request{
		Message:   body.Message,
		History:   body.History,
		PersonaID: body.PersonaID,
		Filter:    body.ContextFilters,
	}

	if body.SessionID != "" {
		id, err := uuid.Parse(body.SessionID)
		if err != nil {
			return nil, errors.New("sessionId must be a UUID")
		}
		req.SessionID = id
	}

	for _, f := range body.Files {
		if f.Name == "" {
			return nil, errors.New("file name is required")
		}
		data, err := base64.StdEncoding.DecodeString(f.DataBase64)
		if err != nil {
			return nil, errors.New("file data must be base64-encoded")
		}
		req.Files = append(req.Files, ingest.Upload{
			Name:        f.Name,
			ContentType: f.ContentType,
			Data:        data,
		})
	}

	return req, nil
}
