// Package rag assembles retrieved context into an instruction-ready text
// block plus a citation list.
//
// The assembler never fails a turn: any retrieval error degrades to empty
// context so the orchestrator can proceed with reduced quality.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kanzleihq/advisor/internal/knowledge"
	"github.com/kanzleihq/advisor/internal/stream"
)

// Searcher is the retrieval collaborator consumed by the assembler.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Options scope one assembly run.
type Options struct {
	// PartyID restricts knowledge-base results to one client when set.
	PartyID string

	// ResearchSources are the session's enabled research flags; empty means
	// the knowledge base is not consulted.
	ResearchSources []string

	// DocumentIDs scope an additional search to documents uploaded in the
	// same request or session.
	DocumentIDs []string
}

// excerptMaxRunes bounds citation excerpts.
const excerptMaxRunes = 200

// Assembler formats retrieval results into labelled context sections.
type Assembler struct {
	searcher Searcher
	topK     int
	logger   *slog.Logger
}

// New creates an Assembler. topK bounds each sub-query's result count.
func New(searcher Searcher, topK int, logger *slog.Logger) *Assembler {
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{searcher: searcher, topK: topK, logger: logger}
}

// Assemble runs the configured sub-queries and concatenates the results into
// one text block with a section per source, plus a flat citation list.
//
// Any collaborator failure is logged and treated as "no results"; Assemble
// never returns an error.
func (a *Assembler) Assemble(ctx context.Context, query string, opts Options) (string, []stream.Citation) {
	var (
		sections  []string
		citations []stream.Citation
	)

	if len(opts.ResearchSources) > 0 {
		searchOpts := []knowledge.SearchOption{
			knowledge.WithTopK(a.topK),
			knowledge.WithSourceType(knowledge.SourceTypeKnowledge),
		}
		if opts.PartyID != "" {
			searchOpts = append(searchOpts, knowledge.WithMetadata("party_id", opts.PartyID))
		}

		results, err := a.searcher.Search(ctx, query, searchOpts...)
		if err != nil {
			a.logger.Warn("knowledge base search failed, degrading to empty context", "error", err)
		} else if len(results) > 0 {
			sections = append(sections, formatSection("Knowledge base", results))
			citations = append(citations, toCitations(results)...)
		}
	}

	if len(opts.DocumentIDs) > 0 {
		results, err := a.searcher.Search(ctx, query,
			knowledge.WithTopK(a.topK),
			knowledge.WithSourceType(knowledge.SourceTypeUpload),
			knowledge.WithSourceIDs(opts.DocumentIDs),
		)
		if err != nil {
			a.logger.Warn("attached document search failed, degrading to empty context", "error", err)
		} else if len(results) > 0 {
			sections = append(sections, formatSection("Attached documents", results))
			citations = append(citations, toCitations(results)...)
		}
	}

	if len(sections) == 0 {
		return "", nil
	}
	return strings.Join(sections, "\n\n"), citations
}

// formatSection renders one labelled source section.
func formatSection(label string, results []knowledge.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", label)
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, strings.TrimSpace(r.Content))
	}
	return b.String()
}

func toCitations(results []knowledge.Result) []stream.Citation {
	citations := make([]stream.Citation, 0, len(results))
	for _, r := range results {
		title := r.Metadata["title"]
		if title == "" {
			title = r.Metadata["name"]
		}
		citations = append(citations, stream.Citation{
			ID:      r.ID,
			Source:  r.SourceType,
			Title:   title,
			Excerpt: excerpt(r.Content),
		})
	}
	return citations
}

func excerpt(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= excerptMaxRunes {
		return string(runes)
	}
	return string(runes[:excerptMaxRunes]) + "..."
}
