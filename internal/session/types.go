// Package session provides persistence for conversation sessions and turns.
//
// Sessions are created lazily on first message and carry a per-session
// context filter. Turns are append-only: exactly one per user submission and
// one per completed assistant reply, never partial.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested session does not exist or belongs to
// another owner.
var ErrNotFound = errors.New("session not found")

// Turn role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleMaxLength is the maximum length (in runes) for session titles.
const TitleMaxLength = 50

// ContextFilter selects which retrieval sources and external integrations
// apply to a session's turns.
type ContextFilter struct {
	ResearchSources   []string `json:"researchSources,omitempty"`
	AccountingEnabled bool     `json:"accountingEnabled,omitempty"`
	PartyID           string   `json:"partyId,omitempty"`
}

// Session represents a conversation session.
type Session struct {
	ID        uuid.UUID
	OwnerID   string
	Title     string
	Filter    ContextFilter
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCallSummary records one tool the assistant used during a turn,
// deduplicated by name with the latest status winning.
type ToolCallSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// FileSummary records one file attached to a user turn.
type FileSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TurnMeta is the metadata bag persisted alongside a turn's body.
type TurnMeta struct {
	ToolCalls []ToolCallSummary `json:"toolCalls,omitempty"`
	Files     []FileSummary     `json:"files,omitempty"`
}

// Turn is one persisted user or assistant message. Immutable once written.
type Turn struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      string
	Content   string
	Meta      TurnMeta
	CreatedAt time.Time
}
