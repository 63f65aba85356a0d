package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kanzleihq/advisor/internal/knowledge"
)

type fakeSearcher struct {
	results []knowledge.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ ...knowledge.SearchOption) ([]knowledge.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func TestKnowledgeProviderList(t *testing.T) {
	p, err := NewKnowledgeProvider(&fakeSearcher{}, nopLogger())
	if err != nil {
		t.Fatalf("NewKnowledgeProvider() error = %v", err)
	}

	defs := p.List(context.Background())
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if defs[0].Name != ToolSearchKnowledge {
		t.Errorf("Name = %q, want %q", defs[0].Name, ToolSearchKnowledge)
	}
	if defs[0].InputSchema == nil {
		t.Error("InputSchema is nil")
	}
	if !p.Healthy(context.Background()) {
		t.Error("Healthy() = false, want always true")
	}
}

func TestKnowledgeProviderExecute(t *testing.T) {
	searcher := &fakeSearcher{results: []knowledge.Result{
		{
			Document:   knowledge.Document{ID: "kb-1", Content: "VAT is 19 percent."},
			Similarity: 0.92,
		},
	}}
	p, _ := NewKnowledgeProvider(searcher, nopLogger())

	result := p.Execute(context.Background(), Call{
		Name:  ToolSearchKnowledge,
		Input: map[string]any{"query": "vat rate", "topK": 3},
	})
	if result.IsError {
		t.Fatalf("IsError = true, content: %s", result.Content)
	}

	var entries []struct {
		ID         string  `json:"id"`
		Content    string  `json:"content"`
		Similarity float64 `json:"similarity"`
	}
	if err := json.Unmarshal([]byte(result.Content), &entries); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "kb-1" || entries[0].Similarity != 0.92 {
		t.Errorf("entries = %+v", entries)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "vat rate" {
		t.Errorf("queries = %v", searcher.queries)
	}
}

func TestKnowledgeProviderExecuteNoResults(t *testing.T) {
	p, _ := NewKnowledgeProvider(&fakeSearcher{}, nopLogger())

	result := p.Execute(context.Background(), Call{Input: map[string]any{"query": "nothing"}})
	if result.IsError {
		t.Fatalf("IsError = true for empty results")
	}
	if !strings.Contains(result.Content, "No matching entries") {
		t.Errorf("Content = %q, want the no-results sentence", result.Content)
	}
}

func TestKnowledgeProviderExecuteFailures(t *testing.T) {
	tests := []struct {
		name     string
		searcher *fakeSearcher
		input    map[string]any
	}{
		{
			name:     "missing query",
			searcher: &fakeSearcher{},
			input:    map[string]any{"topK": 3},
		},
		{
			name:     "search error",
			searcher: &fakeSearcher{err: errors.New("pool exhausted")},
			input:    map[string]any{"query": "vat"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := NewKnowledgeProvider(tt.searcher, nopLogger())
			result := p.Execute(context.Background(), Call{Input: tt.input})
			if !result.IsError {
				t.Fatalf("IsError = false, content: %s", result.Content)
			}
		})
	}
}

func TestClampTopK(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 0, want: knowledgeDefaultTopK},
		{in: -3, want: knowledgeDefaultTopK},
		{in: 7, want: 7},
		{in: 100, want: knowledgeMaxTopK},
	}
	for _, tt := range tests {
		if got := clampTopK(tt.in); got != tt.want {
			t.Errorf("clampTopK(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
