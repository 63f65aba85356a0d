// Package ingest runs the two-phase upload pipeline: a fast synchronous
// acceptance phase (validate, store bytes, record) and an asynchronous
// per-file processing phase (extract, chunk, embed, index) whose failures
// stay isolated to the affected file.
package ingest

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// File lifecycle statuses. Every accepted file leaves StatusProcessing
// exactly once, to StatusReady or StatusError.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Acceptance-phase sentinel errors.
var (
	ErrFileTooLarge    = errors.New("file exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file is empty")
)

// Upload is one file as received from the client.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// IngestedFile is the persisted record of one accepted upload.
type IngestedFile struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	PartyID      string
	Name         string
	Size         int64
	StoragePath  string
	Status       string
	ErrorMessage string
	ChunkCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
