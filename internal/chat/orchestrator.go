// Package chat orchestrates one user submission end to end: party guard,
// session resolution, context assembly, engine drive, and persistence,
// streaming typed chunks to the caller throughout.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/kanzleihq/advisor/internal/engine"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/party"
	"github.com/kanzleihq/advisor/internal/rag"
	"github.com/kanzleihq/advisor/internal/session"
	"github.com/kanzleihq/advisor/internal/stream"
	"github.com/kanzleihq/advisor/internal/tools"
)

// Instruction add-ons, appended in fixed order after persona and context so
// identical flags always produce identical instruction text.
const (
	accountingNote = `The accounting system of the active client is available through tools.
Prefer looking figures up over estimating them, and state the source of every figure.`

	citationNote = `Context passages are numbered [1], [2], ... Reference them by number
when your answer relies on them.`
)

// HistoryMessage is one prior exchange message supplied by the client.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one user submission.
type Request struct {
	OwnerID   string
	Message   string
	History   []HistoryMessage
	SessionID uuid.UUID // uuid.Nil means lazy creation
	PersonaID string
	Filter    *session.ContextFilter // applied on creation; nil keeps the session's
	Files     []ingest.Upload
}

// Consumer-defined collaborator contracts. Production wiring passes the
// concrete types; tests pass fakes.
type (
	sessionStore interface {
		Create(ctx context.Context, ownerID, title string, filter session.ContextFilter) (*session.Session, error)
		Get(ctx context.Context, ownerID string, id uuid.UUID) (*session.Session, error)
		UpdateTitle(ctx context.Context, id uuid.UUID, title string) error
		AddTurn(ctx context.Context, turn *session.Turn) error
	}

	contextAssembler interface {
		Assemble(ctx context.Context, query string, opts rag.Options) (string, []stream.Citation)
	}

	toolResolver interface {
		Resolve(ctx context.Context, filter session.ContextFilter) *tools.Selection
	}

	conversationEngine interface {
		Run(ctx context.Context, req engine.Request) (*engine.Outcome, error)
	}

	titleGenerator interface {
		Generate(ctx context.Context, firstMessage string) string
	}

	partyGuard interface {
		Check(ctx context.Context, message string, active *party.Party) party.Verdict
	}

	ingestCoordinator interface {
		Accept(ctx context.Context, sessionID uuid.UUID, partyID string, uploads []ingest.Upload) []ingest.Acceptance
	}
)

// Orchestrator drives submissions. All fields are optional except sessions,
// assembler, resolver, and engine; a nil collaborator disables its feature.
type Orchestrator struct {
	sessions  sessionStore
	assembler contextAssembler
	resolver  toolResolver
	engine    conversationEngine
	titler    titleGenerator
	directory party.Directory
	guard     partyGuard
	ingestor  ingestCoordinator

	// bgCtx outlives requests; wg tracks fire-and-forget work for shutdown.
	bgCtx  context.Context
	wg     *sync.WaitGroup
	logger *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Sessions  sessionStore
	Assembler contextAssembler
	Resolver  toolResolver
	Engine    conversationEngine
	Titler    titleGenerator
	Directory party.Directory
	Guard     partyGuard
	Ingestor  ingestCoordinator

	BgCtx  context.Context
	WG     *sync.WaitGroup
	Logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx := deps.BgCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	wg := deps.WG
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &Orchestrator{
		sessions:  deps.Sessions,
		assembler: deps.Assembler,
		resolver:  deps.Resolver,
		engine:    deps.Engine,
		titler:    deps.Titler,
		directory: deps.Directory,
		guard:     deps.Guard,
		ingestor:  deps.Ingestor,
		bgCtx:     bgCtx,
		wg:        wg,
		logger:    logger,
	}
}

// Run processes one submission and returns the chunk stream. The channel is
// closed after the terminal done chunk. Cancelling ctx stops emission;
// background side effects (title inference, ingestion phase 2) continue on
// the app-lifecycle context.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 16)

	go func() {
		defer close(out)

		emit := func(c stream.Chunk) error {
			select {
			case out <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		o.run(ctx, req, emit)

		// Every stream ends in done, whatever happened above. If the client
		// is gone this is a no-op.
		select {
		case out <- stream.Done():
		case <-ctx.Done():
		}
	}()

	return out
}

// run executes the pipeline. Any error it wants the client to see has
// already been emitted when it returns.
func (o *Orchestrator) run(ctx context.Context, req Request, emit engine.EmitFunc) {
	logger := o.logger.With("owner", req.OwnerID)

	// Effective filter: explicit request filter, else the existing
	// session's. Needed before session creation because the party guard
	// short-circuits the whole pipeline.
	filter, existing, err := o.effectiveFilter(ctx, req)
	if err != nil {
		o.emitError(emit, logger, err)
		return
	}

	// Step 1: party-conflict guard.
	active, proceed := o.checkParty(ctx, req.Message, filter, emit, logger)
	if !proceed {
		return
	}

	// Step 2: resolve or lazily create the session.
	sess := existing
	created := false
	if sess == nil {
		sess, err = o.sessions.Create(ctx, req.OwnerID, truncateTitle(req.Message), filter)
		if err != nil {
			o.emitError(emit, logger, fmt.Errorf("creating session: %w", err))
			return
		}
		created = true
		if err := emit(stream.SessionCreated(sess.ID.String())); err != nil {
			return
		}
	}
	logger = logger.With("session_id", sess.ID)

	// Uploads: phase-1 acceptance, linking accepted documents for retrieval.
	fileSummaries, documentIDs, ok := o.acceptFiles(ctx, sess.ID, filter.PartyID, req.Files, emit, logger)
	if !ok {
		return
	}

	// Step 3: fire-and-forget title inference on new sessions.
	if created && o.titler != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			title := o.titler.Generate(o.bgCtx, req.Message)
			if title == "" {
				return
			}
			if err := o.sessions.UpdateTitle(o.bgCtx, sess.ID, title); err != nil {
				logger.Warn("updating inferred title", "error", err)
			}
		}()
	}

	// Step 4: persist the user turn. Failing here would orphan the
	// assistant reply, so it is fatal.
	userTurn := &session.Turn{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   req.Message,
		Meta:      session.TurnMeta{Files: fileSummaries},
	}
	if err := o.sessions.AddTurn(ctx, userTurn); err != nil {
		o.emitError(emit, logger, fmt.Errorf("persisting user turn: %w", err))
		return
	}

	// Step 5: deterministic instruction assembly.
	contextText, citations := "", []stream.Citation(nil)
	if o.assembler != nil {
		contextText, citations = o.assembler.Assemble(ctx, req.Message, rag.Options{
			PartyID:         filter.PartyID,
			ResearchSources: filter.ResearchSources,
			DocumentIDs:     documentIDs,
		})
	}
	instruction := buildInstruction(req.PersonaID, contextText, filter, active, logger)

	if len(citations) > 0 {
		if err := emit(stream.Citations(citations)); err != nil {
			return
		}
	}

	// Step 6: drive the engine, mirroring chunks and summarizing tool calls.
	state := newTurnState()
	selection := o.resolver.Resolve(ctx, filter)

	outcome, err := o.engine.Run(ctx, engine.Request{
		System:   instruction,
		Messages: buildMessages(req.History, req.Message),
		Tools:    selection,
		Emit: func(c stream.Chunk) error {
			state.observe(c)
			return emit(c)
		},
	})
	if err != nil {
		// No partial assistant turn: the user turn stands alone and the
		// client sees an error chunk.
		o.emitError(emit, logger, fmt.Errorf("driving conversation: %w", err))
		return
	}

	// Step 7: persist the assistant turn; an empty answer persists nothing.
	if strings.TrimSpace(outcome.Text) == "" {
		logger.Info("empty assistant answer, skipping turn persistence", "rounds", outcome.Rounds)
		return
	}
	assistantTurn := &session.Turn{
		SessionID: sess.ID,
		Role:      session.RoleAssistant,
		Content:   outcome.Text,
		Meta:      session.TurnMeta{ToolCalls: state.summaries()},
	}
	if err := o.sessions.AddTurn(ctx, assistantTurn); err != nil {
		// The answer already streamed; losing the record is logged, not fatal.
		logger.Warn("persisting assistant turn", "error", err)
	}
}

// effectiveFilter returns the filter governing this turn and the existing
// session when one was referenced.
func (o *Orchestrator) effectiveFilter(ctx context.Context, req Request) (session.ContextFilter, *session.Session, error) {
	var existing *session.Session
	if req.SessionID != uuid.Nil {
		sess, err := o.sessions.Get(ctx, req.OwnerID, req.SessionID)
		if err != nil {
			return session.ContextFilter{}, nil, fmt.Errorf("resolving session: %w", err)
		}
		existing = sess
	}

	if req.Filter != nil {
		return *req.Filter, existing, nil
	}
	if existing != nil {
		return existing.Filter, existing, nil
	}
	return session.ContextFilter{}, nil, nil
}

// checkParty runs the party guard. It returns the resolved active party and
// whether the pipeline should continue.
func (o *Orchestrator) checkParty(ctx context.Context, message string, filter session.ContextFilter, emit engine.EmitFunc, logger *slog.Logger) (*party.Party, bool) {
	if filter.PartyID == "" || o.directory == nil {
		return nil, true
	}

	active, err := o.directory.Get(ctx, filter.PartyID)
	if err != nil {
		logger.Error("resolving active party", "party_id", filter.PartyID, "error", err)
		o.emitError(emit, logger, fmt.Errorf("resolving active party: %w", err))
		return nil, false
	}

	if o.guard == nil {
		return active, true
	}
	verdict := o.guard.Check(ctx, message, active)
	if !verdict.Conflict {
		return active, true
	}

	// Deliberate early exit, not an error: ask instead of answering about
	// the wrong client. Zero model invocations.
	logger.Info("party conflict detected, asking user to clarify",
		"active", active.Name, "mentioned", verdict.MentionedName)
	_ = emit(stream.Text(party.ConflictMessage(verdict, active)))
	return nil, false
}

// acceptFiles runs ingestion phase 1 and emits files_processed. The third
// return value is false when the client disconnected mid-emission.
func (o *Orchestrator) acceptFiles(ctx context.Context, sessionID uuid.UUID, partyID string, uploads []ingest.Upload, emit engine.EmitFunc, logger *slog.Logger) ([]session.FileSummary, []string, bool) {
	if len(uploads) == 0 || o.ingestor == nil {
		return nil, nil, true
	}

	acceptances := o.ingestor.Accept(ctx, sessionID, partyID, uploads)

	summaries := make([]session.FileSummary, 0, len(acceptances))
	statuses := make([]stream.FileStatus, 0, len(acceptances))
	var documentIDs []string

	for _, a := range acceptances {
		if a.Err != nil {
			summaries = append(summaries, session.FileSummary{Name: a.Name, Status: ingest.StatusError})
			statuses = append(statuses, stream.FileStatus{Name: a.Name, Status: ingest.StatusError, Error: a.Err.Error()})
			continue
		}
		summaries = append(summaries, session.FileSummary{Name: a.Name, Status: ingest.StatusProcessing})
		statuses = append(statuses, stream.FileStatus{ID: a.File.ID.String(), Name: a.Name, Status: ingest.StatusProcessing})
		documentIDs = append(documentIDs, a.File.ID.String())
	}

	logger.Info("accepted uploads", "total", len(acceptances), "linked", len(documentIDs))
	if err := emit(stream.FilesProcessed(statuses)); err != nil {
		return nil, nil, false
	}
	return summaries, documentIDs, true
}

// buildInstruction concatenates the instruction segments in fixed order:
// persona, retrieved context, then flag-keyed add-ons.
func buildInstruction(personaID, contextText string, filter session.ContextFilter, active *party.Party, logger *slog.Logger) string {
	persona, known := personaFor(personaID)
	if !known {
		logger.Warn("unknown persona, using default", "persona_id", personaID)
	}

	segments := []string{persona.Prompt}
	if active != nil {
		segments = append(segments, "The active client for this conversation is "+active.Name+".")
	}
	if contextText != "" {
		segments = append(segments, "Use the following retrieved context:\n\n"+contextText)
	}
	if filter.AccountingEnabled {
		segments = append(segments, accountingNote)
	}
	if contextText != "" {
		segments = append(segments, citationNote)
	}
	return strings.Join(segments, "\n\n")
}

// buildMessages converts client-supplied history plus the current message
// into the model conversation.
func buildMessages(history []HistoryMessage, message string) []*ai.Message {
	messages := make([]*ai.Message, 0, len(history)+1)
	for _, h := range history {
		switch h.Role {
		case session.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(h.Content)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(h.Content)))
		}
	}
	return append(messages, ai.NewUserMessage(ai.NewTextPart(message)))
}

// emitError classifies and emits one error chunk. The deferred done follows.
func (o *Orchestrator) emitError(emit engine.EmitFunc, logger *slog.Logger, err error) {
	code, message := classifyError(err)
	logger.Error("turn failed", "code", code, "error", err)
	_ = emit(stream.Error(code, message))
}

// classifyError maps pipeline errors onto stable client-facing codes.
func classifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found", "Session not found. Start a new conversation."
	case errors.Is(err, party.ErrNotFound):
		return "party_not_found", "The selected client could not be found. Check the client filter."
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", "The request timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "canceled", "The request was canceled."
	default:
		return "internal_error", "Failed to generate a response. Please try again."
	}
}

// turnState is the per-turn mutable state: tool-call summaries deduplicated
// by name, latest status wins, first-seen order preserved.
type turnState struct {
	order  []string
	status map[string]string
}

func newTurnState() *turnState {
	return &turnState{status: make(map[string]string)}
}

func (s *turnState) observe(c stream.Chunk) {
	if c.Kind != stream.KindToolCall {
		return
	}
	if _, seen := s.status[c.ToolName]; !seen {
		s.order = append(s.order, c.ToolName)
	}
	s.status[c.ToolName] = c.ToolStatus
}

func (s *turnState) summaries() []session.ToolCallSummary {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]session.ToolCallSummary, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, session.ToolCallSummary{Name: name, Status: s.status[name]})
	}
	return out
}

// truncateTitle derives the immediate creation-time title from the first
// message, cut at a word boundary.
func truncateTitle(message string) string {
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= session.TitleMaxLength {
		return message
	}
	truncated := string(runes[:session.TitleMaxLength])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > session.TitleMaxLength/2 {
		truncated = truncated[:lastSpace]
	}
	return strings.TrimSpace(truncated) + "..."
}
