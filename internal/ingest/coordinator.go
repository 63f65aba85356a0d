package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/filestore"
	"github.com/kanzleihq/advisor/internal/knowledge"
)

// recordStore is the persistence dependency for file records.
type recordStore interface {
	Create(ctx context.Context, f *IngestedFile) error
	MarkReady(ctx context.Context, id uuid.UUID, chunkCount int) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
}

// indexer upserts extracted chunks into the retrieval index.
type indexer interface {
	Add(ctx context.Context, doc knowledge.Document) error
}

// Config tunes acceptance validation and chunking.
type Config struct {
	// AllowedExtensions is the lower-case extension allow-list (".pdf", ...).
	AllowedExtensions []string

	// MaxFileSize is the per-file size ceiling in bytes.
	MaxFileSize int64

	// ChunkSize and ChunkOverlap are in runes.
	ChunkSize    int
	ChunkOverlap int
}

// Acceptance is the phase-1 outcome for one upload.
type Acceptance struct {
	// File is the created record, nil when the upload was rejected.
	File *IngestedFile

	Name string

	// Err carries the rejection reason.
	Err error
}

// Coordinator runs both ingestion phases. Phase-2 goroutines run on the
// app-lifecycle context and are WaitGroup-tracked so shutdown can drain them.
type Coordinator struct {
	records recordStore
	files   filestore.Store
	index   indexer

	allowed      map[string]bool
	maxFileSize  int64
	chunkSize    int
	chunkOverlap int

	bgCtx  context.Context
	wg     *sync.WaitGroup
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator. bgCtx outlives individual requests;
// it is cancelled only on application shutdown.
func NewCoordinator(records recordStore, files filestore.Store, index indexer, cfg Config, bgCtx context.Context, wg *sync.WaitGroup, logger *slog.Logger) *Coordinator {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf", ".txt", ".md", ".csv"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	return &Coordinator{
		records:      records,
		files:        files,
		index:        index,
		allowed:      allowed,
		maxFileSize:  cfg.MaxFileSize,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		bgCtx:        bgCtx,
		wg:           wg,
		logger:       logger,
	}
}

// Accept runs phase 1 for a batch: validate, store bytes, create a
// processing record, and kick off phase 2 per accepted file. It returns as
// soon as every file is accepted or rejected, before any phase-2 work
// completes, so the caller can report acceptance immediately.
func (c *Coordinator) Accept(ctx context.Context, sessionID uuid.UUID, partyID string, uploads []Upload) []Acceptance {
	results := make([]Acceptance, 0, len(uploads))

	for _, up := range uploads {
		file, err := c.accept(ctx, sessionID, partyID, up)
		if err != nil {
			c.logger.Warn("rejected upload", "name", up.Name, "error", err)
			results = append(results, Acceptance{Name: up.Name, Err: err})
			continue
		}
		results = append(results, Acceptance{Name: up.Name, File: file})

		c.wg.Add(1)
		go func(file IngestedFile, data []byte) {
			defer c.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("ingestion panicked", "file_id", file.ID, "panic", r)
					c.fail(file.ID, "internal error processing file")
				}
			}()
			c.process(file, data)
		}(*file, up.Data)
	}

	return results
}

// accept validates and records one upload.
func (c *Coordinator) accept(ctx context.Context, sessionID uuid.UUID, partyID string, up Upload) (*IngestedFile, error) {
	if len(up.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(up.Data)) > c.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(up.Data), c.maxFileSize)
	}
	ext := strings.ToLower(filepath.Ext(up.Name))
	if !c.allowed[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	id := uuid.New()
	path := fmt.Sprintf("uploads/%s/%s%s", sessionID, id, ext)

	if err := c.files.Put(ctx, path, up.Data, up.ContentType); err != nil {
		return nil, fmt.Errorf("storing file bytes: %w", err)
	}

	file := &IngestedFile{
		ID:          id,
		SessionID:   sessionID,
		PartyID:     partyID,
		Name:        up.Name,
		Size:        int64(len(up.Data)),
		StoragePath: path,
		Status:      StatusProcessing,
	}
	if err := c.records.Create(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}

// process runs phase 2 for one file: extract, chunk, embed, index, then set
// the terminal status. Errors never leave this function.
func (c *Coordinator) process(file IngestedFile, data []byte) {
	text, err := extractText(file.Name, data)
	if err != nil {
		c.logger.Warn("text extraction failed", "file_id", file.ID, "name", file.Name, "error", err)
		c.fail(file.ID, err.Error())
		return
	}

	chunks := chunkText(text, c.chunkSize, c.chunkOverlap)
	if len(chunks) == 0 {
		c.fail(file.ID, "no text content extracted")
		return
	}

	for i, chunk := range chunks {
		doc := knowledge.Document{
			ID:         fmt.Sprintf("%s:%d", file.ID, i),
			SourceType: knowledge.SourceTypeUpload,
			SourceID:   file.ID.String(),
			Content:    chunk,
			Metadata: map[string]string{
				"name":     file.Name,
				"party_id": file.PartyID,
				"chunk":    strconv.Itoa(i),
			},
		}
		if err := c.index.Add(c.bgCtx, doc); err != nil {
			c.logger.Warn("indexing chunk failed", "file_id", file.ID, "chunk", i, "error", err)
			c.fail(file.ID, fmt.Sprintf("indexing failed at chunk %d: %v", i, err))
			return
		}
	}

	if err := c.records.MarkReady(c.bgCtx, file.ID, len(chunks)); err != nil {
		c.logger.Error("marking file ready failed", "file_id", file.ID, "error", err)
		return
	}
	c.logger.Info("file ingested", "file_id", file.ID, "name", file.Name, "chunks", len(chunks))
}

func (c *Coordinator) fail(id uuid.UUID, message string) {
	if err := c.records.MarkError(c.bgCtx, id, message); err != nil {
		c.logger.Error("marking file errored failed", "file_id", id, "error", err)
	}
}
