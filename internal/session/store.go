package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it; tests supply a mock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages session and turn persistence. Writes are append-only (turns)
// or last-write-wins (title, filter), so no transactions are required.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DBTX
	logger *slog.Logger
}

// New creates a new Store.
func New(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Create inserts a new session for the given owner.
func (s *Store) Create(ctx context.Context, ownerID, title string, filter ContextFilter) (*Session, error) {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshaling context filter: %w", err)
	}

	sess := Session{OwnerID: ownerID, Title: title, Filter: filter}
	err = s.db.QueryRow(ctx,
		`INSERT INTO sessions (owner_id, title, context_filter)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		ownerID, title, filterJSON,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "owner", ownerID)
	return &sess, nil
}

// Get retrieves a session by ID, scoped to the owner.
// Returns ErrNotFound if the session does not exist or belongs to someone else.
func (s *Store) Get(ctx context.Context, ownerID string, id uuid.UUID) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, context_filter, created_at, updated_at
		 FROM sessions
		 WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// List returns the owner's sessions ordered by most recent activity.
func (s *Store) List(ctx context.Context, ownerID string, limit, offset int) ([]*Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, title, context_filter, created_at, updated_at
		 FROM sessions
		 WHERE owner_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// UpdateTitle sets the session title. Last write wins: both the truncation
// heuristic and the background inference call this without coordination.
func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET title = $2, updated_at = now() WHERE id = $1`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("updating session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdateFilter replaces the session's context filter.
func (s *Store) UpdateFilter(ctx context.Context, id uuid.UUID, filter ContextFilter) error {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("marshaling context filter: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET context_filter = $2, updated_at = now() WHERE id = $1`,
		id, filterJSON,
	)
	if err != nil {
		return fmt.Errorf("updating session filter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a session and all its turns (CASCADE), scoped to the owner.
func (s *Store) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.logger.Debug("deleted session", "id", id)
	return nil
}

// AddTurn appends one turn to a session and bumps the session's updated_at.
func (s *Store) AddTurn(ctx context.Context, turn *Turn) error {
	metaJSON, err := json.Marshal(turn.Meta)
	if err != nil {
		return fmt.Errorf("marshaling turn meta: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO turns (session_id, role, content, meta)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		turn.SessionID, turn.Role, turn.Content, metaJSON,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("adding turn: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`,
		turn.SessionID,
	); err != nil {
		// Non-fatal: the turn is persisted, only the activity timestamp lagged.
		s.logger.Warn("bumping session updated_at", "session_id", turn.SessionID, "error", err)
	}

	s.logger.Debug("added turn", "session_id", turn.SessionID, "role", turn.Role)
	return nil
}

// Turns retrieves a session's turns in submission order.
func (s *Store) Turns(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*Turn, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, role, content, meta, created_at
		 FROM turns
		 WHERE session_id = $1
		 ORDER BY created_at ASC
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var (
			turn     Turn
			metaJSON []byte
		)
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content, &metaJSON, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &turn.Meta); err != nil {
			s.logger.Warn("unmarshaling turn meta", "turn_id", turn.ID, "error", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	return turns, nil
}

// scanSession reads one session row, whether from Query or QueryRow.
func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess       Session
		filterJSON []byte
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &filterJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filterJSON, &sess.Filter); err != nil {
		return nil, fmt.Errorf("unmarshaling context filter: %w", err)
	}
	return &sess, nil
}
