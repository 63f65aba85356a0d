// Package tools maps conversation-scoped context flags to concrete tool
// definitions and the providers that execute them.
package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// Definition describes one capability the model may request.
type Definition struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Call is one requested tool invocation, scoped to a single round.
type Call struct {
	// Ref correlates the call with its result within the round.
	Ref   string
	Name  string
	Input map[string]any
}

// Result is the outcome of one tool execution. Provider-level failures are
// reported through IsError, never as Go errors, so the conversation can
// continue with the failure visible to the model.
type Result struct {
	Content string
	IsError bool
}

// Provider executes a family of tools.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// List returns the tools this provider currently offers.
	List(ctx context.Context) []Definition

	// Execute runs one call. Execution failures are encoded in the Result.
	Execute(ctx context.Context, call Call) Result

	// Healthy reports whether the provider can currently serve calls.
	Healthy(ctx context.Context) bool
}
