// Package engine drives the multi-round conversation loop: model invocation,
// tool execution, and result feedback, bounded by a round limit.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/kanzleihq/advisor/internal/model"
	"github.com/kanzleihq/advisor/internal/stream"
	"github.com/kanzleihq/advisor/internal/tools"
)

// DefaultMaxRounds bounds tool-request rounds per turn.
const DefaultMaxRounds = 3

// roundLimitNote is appended when the model still wants tools after the
// final round, so the user knows the answer may be partial.
const roundLimitNote = "\n\n(Note: the answer above may be incomplete; the request required more tool lookups than allowed in one turn.)"

// EmitFunc receives chunks as the turn progresses. A non-nil error aborts
// the turn (typically: client disconnected).
type EmitFunc func(chunk stream.Chunk) error

// Executor runs the tool calls the model requests. *tools.Selection
// satisfies it.
type Executor interface {
	Definitions() []tools.Definition
	Execute(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Request describes one turn for the engine.
type Request struct {
	// System is the assembled instruction block.
	System string

	// Messages is the conversation history ending in the current user message.
	Messages []*ai.Message

	// Tools is the resolved tool set; nil or empty means a plain answer turn.
	Tools Executor

	// Emit receives text and tool_call chunks as they occur.
	Emit EmitFunc
}

// Outcome summarizes a completed turn.
type Outcome struct {
	// Text is the full assistant text as streamed, for persistence. Empty
	// when the model produced no text.
	Text string

	// Rounds is the number of model invocations the turn took.
	Rounds int
}

// Engine owns the request/tool loop for one process. It is stateless across
// turns and safe for concurrent use.
type Engine struct {
	provider  model.Provider
	maxRounds int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates an Engine. A nil limiter disables model-call rate limiting.
func New(provider model.Provider, maxRounds int, limiter *rate.Limiter, logger *slog.Logger) *Engine {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, maxRounds: maxRounds, limiter: limiter, logger: logger}
}

// Run drives the turn to completion.
//
// Each round invokes the model with the accumulated messages. Text deltas
// are emitted as they stream. When the model requests tools, all started
// chunks are emitted before any call executes, calls run sequentially in
// request order, and every call produces exactly one result fed back to the
// model. An unknown tool name aborts the turn. After the final round a
// pending tool request is dropped with a warning and the text so far stands.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	messages := make([]*ai.Message, len(req.Messages))
	copy(messages, req.Messages)

	var defs []tools.Definition
	if req.Tools != nil {
		defs = req.Tools.Definitions()
	}

	var full strings.Builder
	streamFn := func(text string) error {
		full.WriteString(text)
		if req.Emit == nil {
			return nil
		}
		return req.Emit(stream.Text(text))
	}

	for round := 1; ; round++ {
		if err := e.wait(ctx); err != nil {
			return nil, err
		}

		before := full.Len()
		resp, err := e.provider.Invoke(ctx, model.Request{
			System:   req.System,
			Messages: messages,
			Tools:    defs,
		}, streamFn)
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}

		// Providers without streaming support return text only in the
		// response; emit it once here.
		if full.Len() == before && resp.Text != "" {
			if err := streamFn(resp.Text); err != nil {
				return nil, err
			}
		}

		if len(resp.ToolRequests) == 0 {
			return &Outcome{Text: full.String(), Rounds: round}, nil
		}

		if round >= e.maxRounds {
			e.logger.Warn("round limit reached with pending tool requests, finishing with text so far",
				"rounds", round, "pending", len(resp.ToolRequests))
			if full.Len() > 0 {
				if err := streamFn(roundLimitNote); err != nil {
					return nil, err
				}
			}
			return &Outcome{Text: full.String(), Rounds: round}, nil
		}

		toolMsg, err := e.executeRound(ctx, req, resp.ToolRequests)
		if err != nil {
			return nil, err
		}
		messages = append(messages, resp.Message, toolMsg)
	}
}

// executeRound runs one round's tool requests and returns the tool-role
// message carrying their results.
func (e *Engine) executeRound(ctx context.Context, req Request, requests []*ai.ToolRequest) (*ai.Message, error) {
	// All started chunks go out before any call executes, so the client can
	// render the whole round's activity up front.
	if req.Emit != nil {
		for _, tr := range requests {
			if err := req.Emit(stream.ToolCall(tr.Name, stream.ToolCallStarted)); err != nil {
				return nil, err
			}
		}
	}

	parts := make([]*ai.Part, 0, len(requests))
	for _, tr := range requests {
		result, err := req.Tools.Execute(ctx, tools.Call{
			Ref:   tr.Ref,
			Name:  tr.Name,
			Input: toInputMap(tr.Input),
		})
		if err != nil {
			// Unknown tool: the model asked for something we never offered.
			return nil, fmt.Errorf("executing tool %q: %w", tr.Name, err)
		}

		if result.IsError {
			e.logger.Warn("tool call failed, feeding error back to model",
				"tool", tr.Name, "error", result.Content)
		}

		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   tr.Name,
			Ref:    tr.Ref,
			Output: toolOutput(result),
		}))

		if req.Emit != nil {
			if err := req.Emit(stream.ToolCall(tr.Name, stream.ToolCallCompleted)); err != nil {
				return nil, err
			}
		}
	}

	return &ai.Message{Role: ai.RoleTool, Content: parts}, nil
}

func (e *Engine) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for model rate limit: %w", err)
	}
	return nil
}

// toInputMap normalizes a tool request's input to the map form tool
// providers consume.
func toInputMap(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		return m
	}
}

// toolOutput shapes one result for the model. Failures are marked so the
// model can explain or retry rather than silently trusting bad data.
func toolOutput(result tools.Result) map[string]any {
	out := map[string]any{"content": result.Content}
	if result.IsError {
		out["isError"] = true
	}
	return out
}
