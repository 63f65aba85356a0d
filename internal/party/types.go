// Package party resolves client (party) records and guards chat turns
// against mixing up the active client with one named in the message.
package party

import (
	"context"
	"errors"
)

// ErrNotFound indicates the directory has no party for the given reference.
var ErrNotFound = errors.New("party not found")

// Party is one client of the practice.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Number is the practice-internal client number, when assigned.
	Number string `json:"number,omitempty"`
}

// Directory resolves parties. The production implementation talks to the
// practice-management system over HTTP; tests supply a fake.
type Directory interface {
	// Get resolves a party by id. Returns ErrNotFound when unknown.
	Get(ctx context.Context, id string) (*Party, error)

	// FindByName resolves a party by exact display name, case-insensitive.
	// Returns ErrNotFound when no party matches.
	FindByName(ctx context.Context, name string) (*Party, error)
}
