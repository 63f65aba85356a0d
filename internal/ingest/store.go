package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested file record does not exist.
var ErrNotFound = errors.New("ingested file not found")

// DBTX is the subset of pgx operations the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists IngestedFile records.
type Store struct {
	db DBTX
}

// NewStore creates a Store.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Create inserts a new record with status processing.
func (s *Store) Create(ctx context.Context, f *IngestedFile) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO ingested_files (id, session_id, party_id, name, size_bytes, storage_path, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		f.ID, f.SessionID, f.PartyID, f.Name, f.Size, f.StoragePath, f.Status,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating file record: %w", err)
	}
	return nil
}

// Get returns one file record by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*IngestedFile, error) {
	var f IngestedFile
	err := s.db.QueryRow(ctx,
		`SELECT id, session_id, party_id, name, size_bytes, storage_path,
		        status, COALESCE(error_message, ''), chunk_count, created_at, updated_at
		 FROM ingested_files WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.SessionID, &f.PartyID, &f.Name, &f.Size, &f.StoragePath,
		&f.Status, &f.ErrorMessage, &f.ChunkCount, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting file record %s: %w", id, err)
	}
	return &f, nil
}

// MarkReady transitions a record to its terminal ready status.
// The status guard makes the transition happen at most once.
func (s *Store) MarkReady(ctx context.Context, id uuid.UUID, chunkCount int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE ingested_files
		 SET status = $2, chunk_count = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, StatusReady, chunkCount, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("marking file %s ready: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkError transitions a record to its terminal error status.
func (s *Store) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE ingested_files
		 SET status = $2, error_message = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, StatusError, message, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("marking file %s errored: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
