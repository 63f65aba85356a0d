package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kanzleihq/advisor/internal/session"
)

// ErrUnknownTool indicates execution was requested for a tool no resolved
// provider offers. This is a programming-contract violation, not a
// user-facing condition.
var ErrUnknownTool = errors.New("unknown tool")

// EnabledFunc decides whether a provider applies to a session's filter.
type EnabledFunc func(filter session.ContextFilter) bool

type registration struct {
	provider Provider
	enabled  EnabledFunc
}

// Resolver maps context filters to the tool set available for one turn.
// It holds no per-request state; Resolve returns a Selection owned by the
// calling turn.
type Resolver struct {
	registrations []registration
	logger        *slog.Logger
}

// NewResolver creates an empty Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Register adds a provider gated by the given predicate.
func (r *Resolver) Register(p Provider, enabled EnabledFunc) {
	r.registrations = append(r.registrations, registration{provider: p, enabled: enabled})
}

// Resolve returns the tools available under the given filter. A provider
// that is not enabled, or reports unhealthy, contributes nothing — graceful
// degradation, not an error.
func (r *Resolver) Resolve(ctx context.Context, filter session.ContextFilter) *Selection {
	sel := &Selection{byName: make(map[string]Provider)}

	for _, reg := range r.registrations {
		if !reg.enabled(filter) {
			continue
		}
		if !reg.provider.Healthy(ctx) {
			r.logger.Warn("tool provider unhealthy, skipping", "provider", reg.provider.Name())
			continue
		}
		for _, def := range reg.provider.List(ctx) {
			if _, dup := sel.byName[def.Name]; dup {
				r.logger.Warn("duplicate tool name, keeping first registration",
					"tool", def.Name, "provider", reg.provider.Name())
				continue
			}
			sel.defs = append(sel.defs, def)
			sel.byName[def.Name] = reg.provider
		}
	}

	return sel
}

// Selection is the tool set resolved for one turn.
type Selection struct {
	defs   []Definition
	byName map[string]Provider
}

// Definitions returns the resolved tool definitions in registration order.
func (s *Selection) Definitions() []Definition {
	return s.defs
}

// ProviderFor resolves the executing provider for a tool name.
func (s *Selection) ProviderFor(name string) (Provider, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return p, nil
}

// Execute routes one call to its provider. An unknown tool name is returned
// as an error and is fatal for the turn; provider-level failures are encoded
// in the Result instead.
func (s *Selection) Execute(ctx context.Context, call Call) (Result, error) {
	p, err := s.ProviderFor(call.Name)
	if err != nil {
		return Result{}, err
	}
	return p.Execute(ctx, call), nil
}
