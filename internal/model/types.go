// Package model abstracts the language model behind a narrow provider
// interface so the conversation engine stays independent of the AI SDK.
package model

import (
	"context"

	"github.com/firebase/genkit/go/ai"

	"github.com/kanzleihq/advisor/internal/tools"
)

// StreamFunc receives incremental text as the model produces it.
type StreamFunc func(text string) error

// Request is one model invocation.
type Request struct {
	// System is the assembled instruction block for this turn.
	System string

	// Messages is the full conversation so far, including tool results from
	// earlier rounds of the same turn.
	Messages []*ai.Message

	// Tools are the definitions the model may request. Execution stays with
	// the caller; the model only announces requests.
	Tools []tools.Definition
}

// Response is the outcome of one model invocation.
type Response struct {
	// Text is the concatenated text content of the model message.
	Text string

	// ToolRequests are the calls the model wants executed, empty when the
	// model answered directly.
	ToolRequests []*ai.ToolRequest

	// Message is the raw model message, appended to history before tool
	// results so the provider sees its own requests on the next round.
	Message *ai.Message
}

// Provider generates model responses. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Invoke runs one generation. When stream is non-nil, text deltas are
	// forwarded to it as they arrive; the full response is still returned.
	Invoke(ctx context.Context, req Request, stream StreamFunc) (*Response, error)
}
