package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DBTX is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it; tests supply a mock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages knowledge documents with vector similarity search.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       DBTX
	embedder ai.Embedder
	logger   *slog.Logger
}

// New creates a new Store.
func New(db DBTX, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}
}

// Add upserts a document; its content is embedded before insertion.
func (s *Store) Add(ctx context.Context, doc Document) error {
	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO documents (id, source_type, source_id, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     source_type = EXCLUDED.source_type,
		     source_id = EXCLUDED.source_id,
		     content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding,
		     metadata = EXCLUDED.metadata`,
		doc.ID, doc.SourceType, doc.SourceID, doc.Content, embedding, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("added document", "id", doc.ID, "source_type", doc.SourceType, "content_length", len(doc.Content))
	return nil
}

// Search returns the documents most similar to the query, ordered by cosine
// similarity descending. A per-call timeout prevents long-running vector
// scans from blocking the request.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	embedding, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var metadataJSON []byte
	if len(cfg.metadata) > 0 {
		metadataJSON, err = json.Marshal(cfg.metadata)
		if err != nil {
			return nil, fmt.Errorf("marshaling metadata filter: %w", err)
		}
	}

	var sourceIDs []string
	if len(cfg.sourceIDs) > 0 {
		sourceIDs = cfg.sourceIDs
	}

	rows, err := s.db.Query(queryCtx,
		`SELECT id, source_type, source_id, content, metadata, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM documents
		 WHERE ($2::text = '' OR source_type = $2)
		   AND ($3::text[] IS NULL OR source_id = ANY($3))
		   AND ($4::jsonb IS NULL OR metadata @> $4)
		 ORDER BY embedding <=> $1
		 LIMIT $5`,
		embedding, cfg.sourceType, sourceIDs, metadataJSON, cfg.topK,
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r        Result
			metaJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.SourceType, &r.SourceID, &r.Content, &metaJSON, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			s.logger.Warn("unmarshaling document metadata", "document_id", r.ID, "error", err)
			r.Metadata = make(map[string]string)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	return results, nil
}

// DeleteBySource removes all documents belonging to one origin
// (for uploads, all chunks of one ingested file).
func (s *Store) DeleteBySource(ctx context.Context, sourceType, sourceID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM documents WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID,
	)
	if err != nil {
		return fmt.Errorf("deleting documents for %s/%s: %w", sourceType, sourceID, err)
	}

	s.logger.Debug("deleted documents", "source_type", sourceType, "source_id", sourceID, "count", tag.RowsAffected())
	return nil
}

// embed generates one embedding vector for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("empty embedding returned")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
