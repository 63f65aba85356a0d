// Package api exposes the HTTP surface: the streaming chat endpoint, session
// CRUD, file download URLs, and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kanzleihq/advisor/internal/chat"
	"github.com/kanzleihq/advisor/internal/filestore"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/session"
	"github.com/kanzleihq/advisor/internal/stream"
)

// ownerHeader carries the caller identity, established by the deployment's
// authentication layer in front of this service.
const ownerHeader = "X-Owner-ID"

// orchestrator is the chat pipeline the handler drives.
type orchestrator interface {
	Run(ctx context.Context, req chat.Request) <-chan stream.Chunk
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Logger       *slog.Logger
	Orchestrator orchestrator    // required
	Sessions     *session.Store  // required
	Files        *ingest.Store   // optional: nil disables the file URL endpoint
	ObjectStore  filestore.Store // optional, paired with Files
	CORSOrigins  []string
	RateBurst    int // per-IP burst, 0 = default 30
}

// Server is the JSON/NDJSON HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires all routes and the middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{orchestrator: cfg.Orchestrator, logger: logger}
	sh := &sessionHandler{store: cfg.Sessions, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat/stream", ch.stream)

	mux.HandleFunc("GET /api/sessions", sh.list)
	mux.HandleFunc("GET /api/sessions/{id}", sh.get)
	mux.HandleFunc("GET /api/sessions/{id}/turns", sh.turns)
	mux.HandleFunc("PATCH /api/sessions/{id}", sh.update)
	mux.HandleFunc("DELETE /api/sessions/{id}", sh.delete)

	if cfg.Files != nil && cfg.ObjectStore != nil {
		fh := &fileHandler{files: cfg.Files, objects: cfg.ObjectStore, logger: logger}
		mux.HandleFunc("GET /api/files/{id}/url", fh.downloadURL)
	}

	mux.HandleFunc("GET /healthz", health)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	rl := newRateLimiter(10, burst)

	// Outermost first: Recovery → Logging → CORS → RateLimit → Routes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	root := http.NewServeMux()
	root.Handle("/", handler)

	return &Server{mux: root}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// health serves liveness probes.
func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// ownerID extracts the caller identity. Empty means unauthenticated.
func ownerID(r *http.Request) string {
	return r.Header.Get(ownerHeader)
}
