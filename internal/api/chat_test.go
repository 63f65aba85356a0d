package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/chat"
	"github.com/kanzleihq/advisor/internal/stream"
)

type fakeOrchestrator struct {
	chunks  []stream.Chunk
	lastReq chat.Request
}

func (f *fakeOrchestrator) Run(_ context.Context, req chat.Request) <-chan stream.Chunk {
	f.lastReq = req
	out := make(chan stream.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postChat(t *testing.T, h *chatHandler, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.stream(rec, req)
	return rec
}

func TestChatStream(t *testing.T) {
	orch := &fakeOrchestrator{chunks: []stream.Chunk{
		stream.SessionCreated("11111111-1111-1111-1111-111111111111"),
		stream.Text("hello"),
		stream.Done(),
	}}
	h := &chatHandler{orchestrator: orch, logger: nopLogger()}

	rec := postChat(t, h, "u1", `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d NDJSON lines, want 3:\n%s", len(lines), rec.Body.String())
	}
	var last stream.Chunk
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("last line not JSON: %v", err)
	}
	if last.Kind != stream.KindDone {
		t.Errorf("last chunk kind = %q, want done", last.Kind)
	}
	if orch.lastReq.OwnerID != "u1" {
		t.Errorf("OwnerID = %q, want u1", orch.lastReq.OwnerID)
	}
}

func TestChatStreamRequiresOwner(t *testing.T) {
	h := &chatHandler{orchestrator: &fakeOrchestrator{}, logger: nopLogger()}

	rec := postChat(t, h, "", `{"message":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatStreamBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{`},
		{name: "missing message", body: `{"history":[]}`},
		{name: "blank message", body: `{"message":"   "}`},
		{name: "unknown field", body: `{"message":"hi","bogus":true}`},
		{name: "bad session id", body: `{"message":"hi","sessionId":"not-a-uuid"}`},
		{name: "bad file encoding", body: `{"message":"hi","files":[{"name":"a.txt","dataBase64":"%%%"}]}`},
		{name: "file without name", body: `{"message":"hi","files":[{"dataBase64":"aGk="}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &chatHandler{orchestrator: &fakeOrchestrator{}, logger: nopLogger()}
			rec := postChat(t, h, "u1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatStreamRequestMapping(t *testing.T) {
	orch := &fakeOrchestrator{chunks: []stream.Chunk{stream.Done()}}
	h := &chatHandler{orchestrator: orch, logger: nopLogger()}

	sessionID := uuid.New()
	data := base64.StdEncoding.EncodeToString([]byte("file body"))
	body := fmt.Sprintf(`{
		"message": "summarize",
		"sessionId": %q,
		"personaId": "tax-advisor",
		"contextFilters": {"accountingEnabled": true, "partyId": "p1"},
		"files": [{"name": "notes.txt", "contentType": "text/plain", "dataBase64": %q}]
	}`, sessionID, data)

	rec := postChat(t, h, "u1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got := orch.lastReq
	if got.SessionID != sessionID {
		t.Errorf("SessionID = %v, want %v", got.SessionID, sessionID)
	}
	if got.PersonaID != "tax-advisor" {
		t.Errorf("PersonaID = %q", got.PersonaID)
	}
	if got.Filter == nil || !got.Filter.AccountingEnabled || got.Filter.PartyID != "p1" {
		t.Errorf("Filter = %+v", got.Filter)
	}
	if len(got.Files) != 1 || string(got.Files[0].Data) != "file body" {
		t.Errorf("Files = %+v", got.Files)
	}
}
