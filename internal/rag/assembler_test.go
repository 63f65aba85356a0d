package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kanzleihq/advisor/internal/knowledge"
)

// fakeSearcher serves results keyed by call order: first call is the
// knowledge-base sub-query, second the attached-documents one.
type fakeSearcher struct {
	calls     int
	responses [][]knowledge.Result
	errs      []error
}

func (f *fakeSearcher) Search(context.Context, string, ...knowledge.SearchOption) ([]knowledge.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, nil
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func result(id, sourceType, content string) knowledge.Result {
	return knowledge.Result{
		Document: knowledge.Document{
			ID:         id,
			SourceType: sourceType,
			Content:    content,
			Metadata:   map[string]string{"name": "doc " + id},
		},
		Similarity: 0.9,
	}
}

func TestAssembleNoSources(t *testing.T) {
	searcher := &fakeSearcher{}
	a := New(searcher, 5, nopLogger())

	text, citations := a.Assemble(context.Background(), "query", Options{})
	if text != "" || citations != nil {
		t.Errorf("Assemble() = (%q, %v), want empty", text, citations)
	}
	if searcher.calls != 0 {
		t.Errorf("searcher called %d times with no sources enabled, want 0", searcher.calls)
	}
}

func TestAssembleKnowledgeOnly(t *testing.T) {
	searcher := &fakeSearcher{responses: [][]knowledge.Result{
		{result("kb-1", knowledge.SourceTypeKnowledge, "VAT is 19 percent.")},
	}}
	a := New(searcher, 5, nopLogger())

	text, citations := a.Assemble(context.Background(), "vat rate", Options{
		ResearchSources: []string{"tax_law"},
	})
	if !strings.Contains(text, "Knowledge base") {
		t.Errorf("text missing knowledge section: %q", text)
	}
	if !strings.Contains(text, "[1] VAT is 19 percent.") {
		t.Errorf("text missing numbered passage: %q", text)
	}
	if len(citations) != 1 || citations[0].ID != "kb-1" {
		t.Fatalf("citations = %+v, want one for kb-1", citations)
	}
	if citations[0].Title != "doc kb-1" {
		t.Errorf("citation title = %q, want metadata name fallback", citations[0].Title)
	}
}

func TestAssembleBothSections(t *testing.T) {
	searcher := &fakeSearcher{responses: [][]knowledge.Result{
		{result("kb-1", knowledge.SourceTypeKnowledge, "statute text")},
		{result("up-1", knowledge.SourceTypeUpload, "uploaded passage")},
	}}
	a := New(searcher, 5, nopLogger())

	text, citations := a.Assemble(context.Background(), "q", Options{
		ResearchSources: []string{"tax_law"},
		DocumentIDs:     []string{"file-1"},
	})
	kbAt := strings.Index(text, "Knowledge base")
	docsAt := strings.Index(text, "Attached documents")
	if kbAt == -1 || docsAt == -1 || kbAt > docsAt {
		t.Errorf("section order wrong: %q", text)
	}
	if len(citations) != 2 {
		t.Errorf("citations = %d, want 2", len(citations))
	}
}

func TestAssembleSearchFailureDegrades(t *testing.T) {
	searcher := &fakeSearcher{
		errs: []error{errors.New("pgvector down")},
		responses: [][]knowledge.Result{
			nil,
			{result("up-1", knowledge.SourceTypeUpload, "uploaded passage")},
		},
	}
	a := New(searcher, 5, nopLogger())

	text, citations := a.Assemble(context.Background(), "q", Options{
		ResearchSources: []string{"tax_law"},
		DocumentIDs:     []string{"file-1"},
	})
	if strings.Contains(text, "Knowledge base") {
		t.Errorf("failed sub-query produced a section: %q", text)
	}
	if !strings.Contains(text, "Attached documents") {
		t.Errorf("healthy sub-query missing: %q", text)
	}
	if len(citations) != 1 {
		t.Errorf("citations = %d, want 1", len(citations))
	}
}

func TestAssembleAllFailuresEmpty(t *testing.T) {
	searcher := &fakeSearcher{errs: []error{
		errors.New("down"),
		errors.New("down"),
	}}
	a := New(searcher, 5, nopLogger())

	text, citations := a.Assemble(context.Background(), "q", Options{
		ResearchSources: []string{"tax_law"},
		DocumentIDs:     []string{"file-1"},
	})
	if text != "" || len(citations) != 0 {
		t.Errorf("Assemble() = (%q, %v), want full degradation to empty", text, citations)
	}
}

func TestExcerptTruncation(t *testing.T) {
	long := strings.Repeat("x", excerptMaxRunes+50)
	got := excerpt(long)
	if len([]rune(got)) != excerptMaxRunes+3 {
		t.Errorf("excerpt length = %d runes, want %d plus ellipsis", len([]rune(got)), excerptMaxRunes)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("excerpt = %q, want ... suffix", got[len(got)-10:])
	}

	if got := excerpt("short"); got != "short" {
		t.Errorf("excerpt(short) = %q", got)
	}
}
