// Package app assembles the application: configuration, storage, model
// framework, tool providers, and the chat pipeline.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kanzleihq/advisor/internal/api"
	"github.com/kanzleihq/advisor/internal/chat"
	"github.com/kanzleihq/advisor/internal/config"
	"github.com/kanzleihq/advisor/internal/filestore"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/knowledge"
	"github.com/kanzleihq/advisor/internal/session"
)

// shutdownTimeout bounds how long Close waits for background work and
// trace flushing.
const shutdownTimeout = 15 * time.Second

// App is the application container. Setup builds it; Close releases it.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	DBPool    *pgxpool.Pool
	Sessions  *session.Store
	Knowledge *knowledge.Store
	Files     *ingest.Store
	Objects   filestore.Store

	Orchestrator *chat.Orchestrator
	Server       *api.Server

	// Background lifecycle: title inference and phase-2 ingestion run on
	// bgCtx and are tracked by wg.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mcpSession   *mcp.ClientSession
	otelShutdown func(context.Context) error
}

// Close drains background work and releases all resources, in reverse
// dependency order.
func (a *App) Close() error {
	a.Logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.Logger.Warn("background work did not drain in time")
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}

	if a.mcpSession != nil {
		if err := a.mcpSession.Close(); err != nil {
			a.Logger.Warn("closing accounting MCP session", "error", err)
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Logger.Warn("shutting down tracing", "error", err)
		}
	}

	return nil
}
