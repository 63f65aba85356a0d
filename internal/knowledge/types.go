// Package knowledge manages document chunks with vector search over
// PostgreSQL + pgvector. Embeddings are generated through a Genkit embedder
// at write and query time.
package knowledge

import "time"

// Source type constants for stored documents.
const (
	// SourceTypeKnowledge is curated domain knowledge (guidance, templates,
	// internal practice notes).
	SourceTypeKnowledge = "knowledge"

	// SourceTypeUpload is content extracted from user-uploaded files.
	SourceTypeUpload = "upload"
)

// Document is one embeddable unit of content.
type Document struct {
	ID         string
	SourceType string
	// SourceID groups chunks of one origin (for uploads, the ingested file id).
	SourceID  string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Result is a document with its similarity to the query (1 = identical).
type Result struct {
	Document
	Similarity float64
}

// searchConfig collects the effective search options.
type searchConfig struct {
	topK       int
	sourceType string
	sourceIDs  []string
	metadata   map[string]string
	timeout    time.Duration
}

// SearchOption configures Store.Search.
type SearchOption func(*searchConfig)

// WithTopK limits the number of results. Values outside [1, 50] are clamped.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) { c.topK = k }
}

// WithSourceType restricts results to one source type.
func WithSourceType(sourceType string) SearchOption {
	return func(c *searchConfig) { c.sourceType = sourceType }
}

// WithSourceIDs restricts results to documents whose source id is in the set.
func WithSourceIDs(ids []string) SearchOption {
	return func(c *searchConfig) { c.sourceIDs = ids }
}

// WithMetadata restricts results to documents whose metadata contains the
// given key/value pair. May be applied multiple times.
func WithMetadata(key, value string) SearchOption {
	return func(c *searchConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]string)
		}
		c.metadata[key] = value
	}
}

const (
	defaultTopK    = 5
	maxTopK        = 50
	defaultTimeout = 10 * time.Second
)

func buildSearchConfig(opts []SearchOption) searchConfig {
	cfg := searchConfig{topK: defaultTopK, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.topK < 1 {
		cfg.topK = 1
	}
	if cfg.topK > maxTopK {
		cfg.topK = maxTopK
	}
	return cfg
}
