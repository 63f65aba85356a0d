package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	httpapi "github.com/kanzleihq/advisor/internal/api"
	"github.com/kanzleihq/advisor/internal/chat"
	"github.com/kanzleihq/advisor/internal/config"
	"github.com/kanzleihq/advisor/internal/database"
	"github.com/kanzleihq/advisor/internal/engine"
	"github.com/kanzleihq/advisor/internal/filestore"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/knowledge"
	"github.com/kanzleihq/advisor/internal/model"
	"github.com/kanzleihq/advisor/internal/observability"
	"github.com/kanzleihq/advisor/internal/party"
	"github.com/kanzleihq/advisor/internal/rag"
	"github.com/kanzleihq/advisor/internal/session"
	"github.com/kanzleihq/advisor/internal/tools"
)

// Model-call rate limits: 10 calls/sec sustained, burst 30.
const (
	modelRateLimit = 10
	modelRateBurst = 30
)

// Setup builds the application. On error everything already initialized is
// released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if cfg.Observability.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Observability.Endpoint,
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Observability.Environment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelShutdown = shutdown
	}

	if err := database.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Sessions = session.New(pool, logger)
	a.Knowledge = knowledge.New(pool, embedder, logger)
	a.Files = ingest.NewStore(pool)

	objects, err := filestore.New(ctx, filestore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}
	a.Objects = objects

	coordinator := ingest.NewCoordinator(a.Files, objects, a.Knowledge, ingest.Config{
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
		MaxFileSize:       cfg.Ingest.MaxFileSize,
		ChunkSize:         cfg.Ingest.ChunkSize,
		ChunkOverlap:      cfg.Ingest.ChunkOverlap,
	}, a.bgCtx, &a.wg, logger)

	resolver, err := a.provideTools(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	provider := model.NewGenkitProvider(g, cfg.FullModelName(), logger)
	eng := engine.New(provider, cfg.MaxRounds, rate.NewLimiter(modelRateLimit, modelRateBurst), logger)
	titler := model.NewTitleGenerator(g, cfg.FullModelName(), logger)

	var (
		directory party.Directory
		guard     *party.Guard
	)
	if cfg.Accounting.DirectoryURL != "" {
		dir, err := party.NewHTTPDirectory(cfg.Accounting.DirectoryURL)
		if err != nil {
			return nil, fmt.Errorf("creating party directory client: %w", err)
		}
		directory = dir
		guard = party.NewGuard(dir, logger)
	}

	assembler := rag.New(a.Knowledge, cfg.RetrievalTopK, logger)

	deps := chat.Deps{
		Sessions:  a.Sessions,
		Assembler: assembler,
		Resolver:  resolver,
		Engine:    eng,
		Titler:    titler,
		Directory: directory,
		Ingestor:  coordinator,
		BgCtx:     a.bgCtx,
		WG:        &a.wg,
		Logger:    logger,
	}
	if guard != nil {
		deps.Guard = guard
	}
	a.Orchestrator = chat.New(deps)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Logger:       logger,
		Orchestrator: a.Orchestrator,
		Sessions:     a.Sessions,
		Files:        a.Files,
		ObjectStore:  a.Objects,
		CORSOrigins:  cfg.CORSOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideGenkit initializes the model framework for the configured provider.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized model framework", "provider", "ollama",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized model framework", "provider", "openai", "model", cfg.ModelName)

	default: // gemini
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized model framework", "provider", "gemini", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Keyed by server address, registered in provideGenkit.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideTools builds the tool resolver: the local knowledge provider plus,
// when configured, the accounting system over MCP.
func (a *App) provideTools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Resolver, error) {
	resolver := tools.NewResolver(logger)

	knowledgeProvider, err := tools.NewKnowledgeProvider(a.Knowledge, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge tool provider: %w", err)
	}
	resolver.Register(knowledgeProvider, func(filter session.ContextFilter) bool {
		return len(filter.ResearchSources) > 0
	})

	if cfg.Accounting.MCPCommand != "" {
		transport := &mcp.CommandTransport{
			Command: exec.Command(cfg.Accounting.MCPCommand, cfg.Accounting.MCPArgs...),
		}
		mcpSession, err := tools.ConnectMCP(ctx, "advisor", transport)
		if err != nil {
			// The resolver degrades gracefully per turn, but a broken command
			// at startup is a configuration error worth failing on.
			return nil, fmt.Errorf("connecting to accounting MCP server: %w", err)
		}
		a.mcpSession = mcpSession
		resolver.Register(tools.NewMCPProvider("accounting", mcpSession, logger),
			func(filter session.ContextFilter) bool { return filter.AccountingEnabled })
	}

	return resolver, nil
}
