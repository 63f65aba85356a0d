package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kanzleihq/advisor/internal/knowledge"
)

// ToolSearchKnowledge is the name of the knowledge-base search tool.
const ToolSearchKnowledge = "search_knowledge"

const (
	knowledgeDefaultTopK = 5
	knowledgeMaxTopK     = 20
)

// KnowledgeSearchInput is the input schema for the search_knowledge tool.
type KnowledgeSearchInput struct {
	Query string `json:"query" jsonschema:"The search query describing what to look up"`
	TopK  int    `json:"topK,omitempty" jsonschema:"Maximum number of results to return (default 5, max 20)"`
}

// knowledgeSearcher is the retrieval dependency of the knowledge provider.
type knowledgeSearcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// KnowledgeProvider serves the search_knowledge tool over the local
// knowledge store. It is always healthy: the store shares the process's
// database pool, whose failures surface per call.
type KnowledgeProvider struct {
	searcher knowledgeSearcher
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// NewKnowledgeProvider creates the local knowledge tool provider.
func NewKnowledgeProvider(searcher knowledgeSearcher, logger *slog.Logger) (*KnowledgeProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.For[KnowledgeSearchInput](nil)
	if err != nil {
		return nil, fmt.Errorf("building search_knowledge schema: %w", err)
	}
	return &KnowledgeProvider{searcher: searcher, schema: schema, logger: logger}, nil
}

// Name implements Provider.
func (*KnowledgeProvider) Name() string { return "knowledge" }

// List implements Provider.
func (p *KnowledgeProvider) List(context.Context) []Definition {
	return []Definition{{
		Name: ToolSearchKnowledge,
		Description: "Search the firm's knowledge base (guidance, templates, practice notes) " +
			"using semantic similarity. Use this to ground answers in internal domain knowledge.",
		InputSchema: p.schema,
	}}
}

// Healthy implements Provider.
func (*KnowledgeProvider) Healthy(context.Context) bool { return true }

// Execute implements Provider. Failures are encoded in the Result so the
// model sees them and the round continues.
func (p *KnowledgeProvider) Execute(ctx context.Context, call Call) Result {
	input, err := decodeSearchInput(call.Input)
	if err != nil {
		return Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}
	}

	results, err := p.searcher.Search(ctx, input.Query,
		knowledge.WithTopK(clampTopK(input.TopK)),
		knowledge.WithSourceType(knowledge.SourceTypeKnowledge),
	)
	if err != nil {
		p.logger.Warn("knowledge search tool failed", "error", err)
		return Result{Content: fmt.Sprintf("search failed: %v", err), IsError: true}
	}

	if len(results) == 0 {
		return Result{Content: "No matching entries found in the knowledge base."}
	}

	type entry struct {
		ID         string  `json:"id"`
		Content    string  `json:"content"`
		Similarity float64 `json:"similarity"`
	}
	entries := make([]entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, entry{ID: r.ID, Content: r.Content, Similarity: r.Similarity})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return Result{Content: fmt.Sprintf("encoding results: %v", err), IsError: true}
	}
	return Result{Content: string(data)}
}

func decodeSearchInput(raw map[string]any) (KnowledgeSearchInput, error) {
	var input KnowledgeSearchInput
	data, err := json.Marshal(raw)
	if err != nil {
		return input, fmt.Errorf("encoding input: %w", err)
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return input, fmt.Errorf("decoding input: %w", err)
	}
	if input.Query == "" {
		return input, fmt.Errorf("query is required")
	}
	return input, nil
}

func clampTopK(k int) int {
	if k <= 0 {
		return knowledgeDefaultTopK
	}
	if k > knowledgeMaxTopK {
		return knowledgeMaxTopK
	}
	return k
}
