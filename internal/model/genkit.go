package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	gjsonschema "github.com/google/jsonschema-go/jsonschema"

	"github.com/kanzleihq/advisor/internal/tools"
)

// GenkitProvider implements Provider on a Genkit instance.
//
// Tool definitions arrive per request but Genkit registers tools globally,
// so the provider registers each tool name once (as a pass-through whose
// execution is returned to the caller) and reuses the registration on
// subsequent requests.
type GenkitProvider struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger

	mu         sync.Mutex
	registered map[string]ai.ToolRef
}

// NewGenkitProvider creates a provider bound to one model name.
// modelName must be provider-qualified (for example "googleai/gemini-2.5-flash").
func NewGenkitProvider(g *genkit.Genkit, modelName string, logger *slog.Logger) *GenkitProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitProvider{
		g:          g,
		modelName:  modelName,
		logger:     logger,
		registered: make(map[string]ai.ToolRef),
	}
}

// Invoke implements Provider. Tool requests are returned to the caller
// instead of being executed inside the SDK, so the engine owns execution
// order, mirroring, and failure handling.
func (p *GenkitProvider) Invoke(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(p.modelName),
		ai.WithMessages(req.Messages...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}

	if len(req.Tools) > 0 {
		refs, err := p.toolRefs(req.Tools)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			ai.WithTools(refs...),
			ai.WithReturnToolRequests(true),
		)
	}

	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return stream(text)
		}))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating model response: %w", err)
	}

	return &Response{
		Text:         resp.Text(),
		ToolRequests: resp.ToolRequests(),
		Message:      resp.Message,
	}, nil
}

// toolRefs resolves or registers the Genkit tool actions for the request's
// definitions. Registered tools never execute inside Genkit; generation runs
// with tool requests returned to the caller.
func (p *GenkitProvider) toolRefs(defs []tools.Definition) ([]ai.ToolRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	refs := make([]ai.ToolRef, 0, len(defs))
	for _, def := range defs {
		if ref, ok := p.registered[def.Name]; ok {
			refs = append(refs, ref)
			continue
		}

		if existing := genkit.LookupTool(p.g, def.Name); existing != nil {
			p.registered[def.Name] = existing
			refs = append(refs, existing)
			continue
		}

		schema, err := convertSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("converting schema for tool %q: %w", def.Name, err)
		}

		tool := genkit.DefineToolWithInputSchema(p.g, def.Name, def.Description, schema,
			func(_ *ai.ToolContext, input any) (any, error) {
				// Unreachable: generation always returns tool requests to the
				// caller instead of executing them here.
				return nil, fmt.Errorf("tool %q must be executed by the conversation engine", def.Name)
			})
		p.registered[def.Name] = tool
		refs = append(refs, tool)

		p.logger.Debug("registered model tool", "tool", def.Name)
	}
	return refs, nil
}

// convertSchema bridges the two JSON Schema representations in play: tool
// providers describe inputs with google/jsonschema-go, while Genkit expects
// plain maps. Both are plain JSON Schema, so a round-trip suffices.
func convertSchema(in *gjsonschema.Schema) (map[string]any, error) {
	if in == nil {
		return map[string]any{"type": "object"}, nil
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return out, nil
}
