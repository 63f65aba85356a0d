package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/kanzleihq/advisor/internal/engine"
	"github.com/kanzleihq/advisor/internal/ingest"
	"github.com/kanzleihq/advisor/internal/log"
	"github.com/kanzleihq/advisor/internal/party"
	"github.com/kanzleihq/advisor/internal/rag"
	"github.com/kanzleihq/advisor/internal/session"
	"github.com/kanzleihq/advisor/internal/stream"
	"github.com/kanzleihq/advisor/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return log.NewNop()
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	turns    []*session.Turn
	titles   map[uuid.UUID]string

	createErr  error
	addTurnErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[uuid.UUID]*session.Session),
		titles:   make(map[uuid.UUID]string),
	}
}

func (f *fakeSessions) Create(_ context.Context, ownerID, title string, filter session.ContextFilter) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	s := &session.Session{ID: uuid.New(), OwnerID: ownerID, Title: title, Filter: filter}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessions) Get(_ context.Context, ownerID string, id uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) UpdateTitle(_ context.Context, id uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[id] = title
	return nil
}

func (f *fakeSessions) AddTurn(_ context.Context, turn *session.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addTurnErr != nil && turn.Role == session.RoleUser {
		return f.addTurnErr
	}
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeSessions) turnsByRole(role string) []*session.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Turn
	for _, t := range f.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

type fakeAssembler struct {
	context   string
	citations []stream.Citation
	lastOpts  rag.Options
}

func (f *fakeAssembler) Assemble(_ context.Context, _ string, opts rag.Options) (string, []stream.Citation) {
	f.lastOpts = opts
	return f.context, f.citations
}

// emptyResolver resolves to an empty tool selection.
type emptyResolver struct{}

func (emptyResolver) Resolve(ctx context.Context, filter session.ContextFilter) *tools.Selection {
	return tools.NewResolver(nil).Resolve(ctx, filter)
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	lastReq engine.Request
	outcome *engine.Outcome
	err     error
	emit    []stream.Chunk // chunks to emit during the run
}

func (f *fakeEngine) Run(_ context.Context, req engine.Request) (*engine.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()
	for _, c := range f.emit {
		if err := req.Emit(c); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &engine.Outcome{Text: "answer", Rounds: 1}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTitler struct{ title string }

func (f *fakeTitler) Generate(context.Context, string) string { return f.title }

type fakeDirectory struct {
	parties map[string]*party.Party
}

func (f *fakeDirectory) Get(_ context.Context, id string) (*party.Party, error) {
	if p, ok := f.parties[id]; ok {
		return p, nil
	}
	return nil, party.ErrNotFound
}

func (f *fakeDirectory) FindByName(_ context.Context, name string) (*party.Party, error) {
	for _, p := range f.parties {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return nil, party.ErrNotFound
}

type fakeGuard struct{ verdict party.Verdict }

func (f *fakeGuard) Check(context.Context, string, *party.Party) party.Verdict { return f.verdict }

type fakeIngestor struct {
	acceptances []ingest.Acceptance
}

func (f *fakeIngestor) Accept(context.Context, uuid.UUID, string, []ingest.Upload) []ingest.Acceptance {
	return f.acceptances
}

func collect(t *testing.T, ch <-chan stream.Chunk) []stream.Chunk {
	t.Helper()
	var chunks []stream.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatalf("stream did not close; got %d chunks so far", len(chunks))
		}
	}
}

func kinds(chunks []stream.Chunk) []stream.Kind {
	out := make([]stream.Kind, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Kind)
	}
	return out
}

func newTestOrchestrator(deps Deps) (*Orchestrator, *sync.WaitGroup) {
	wg := &sync.WaitGroup{}
	deps.WG = wg
	deps.Logger = testLogger()
	if deps.Resolver == nil {
		deps.Resolver = emptyResolver{}
	}
	if deps.Assembler == nil {
		deps.Assembler = &fakeAssembler{}
	}
	return New(deps), wg
}

func TestRunNewSessionPlainAnswer(t *testing.T) {
	sessions := newFakeSessions()
	eng := &fakeEngine{
		emit:    []stream.Chunk{stream.Text("an"), stream.Text("swer")},
		outcome: &engine.Outcome{Text: "answer", Rounds: 1},
	}
	o, wg := newTestOrchestrator(Deps{
		Sessions: sessions,
		Engine:   eng,
		Titler:   &fakeTitler{title: "VAT question"},
	})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID: "u1",
		Message: "What is the VAT rate for consulting services?",
	}))
	wg.Wait()

	got := kinds(chunks)
	want := []stream.Kind{stream.KindSessionCreated, stream.KindText, stream.KindText, stream.KindDone}
	if len(got) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk kinds = %v, want %v", got, want)
		}
	}

	if chunks[0].SessionID == "" {
		t.Error("session_created chunk missing session id")
	}
	userTurns := sessions.turnsByRole(session.RoleUser)
	assistantTurns := sessions.turnsByRole(session.RoleAssistant)
	if len(userTurns) != 1 || len(assistantTurns) != 1 {
		t.Fatalf("persisted %d user / %d assistant turns, want 1/1", len(userTurns), len(assistantTurns))
	}
	if assistantTurns[0].Content != "answer" {
		t.Errorf("assistant content = %q, want %q", assistantTurns[0].Content, "answer")
	}

	// Title inference ran in the background.
	sessions.mu.Lock()
	title := sessions.titles[userTurns[0].SessionID]
	sessions.mu.Unlock()
	if title != "VAT question" {
		t.Errorf("inferred title = %q, want %q", title, "VAT question")
	}
}

func TestRunExistingSessionNoCreatedChunk(t *testing.T) {
	sessions := newFakeSessions()
	sess, _ := sessions.Create(context.Background(), "u1", "t", session.ContextFilter{})
	o, wg := newTestOrchestrator(Deps{Sessions: sessions, Engine: &fakeEngine{}})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID:   "u1",
		Message:   "follow-up",
		SessionID: sess.ID,
	}))
	wg.Wait()

	for _, c := range chunks {
		if c.Kind == stream.KindSessionCreated {
			t.Fatal("session_created emitted for an existing session")
		}
	}
}

func TestRunUnknownSession(t *testing.T) {
	sessions := newFakeSessions()
	eng := &fakeEngine{}
	o, wg := newTestOrchestrator(Deps{Sessions: sessions, Engine: eng})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID:   "u1",
		Message:   "hi",
		SessionID: uuid.New(),
	}))
	wg.Wait()

	if len(chunks) != 2 || chunks[0].Kind != stream.KindError || chunks[1].Kind != stream.KindDone {
		t.Fatalf("chunks = %v, want [error done]", kinds(chunks))
	}
	if chunks[0].Code != "session_not_found" {
		t.Errorf("code = %q, want session_not_found", chunks[0].Code)
	}
	if eng.callCount() != 0 {
		t.Errorf("engine called %d times, want 0", eng.callCount())
	}
}

func TestRunPartyConflict(t *testing.T) {
	sessions := newFakeSessions()
	eng := &fakeEngine{}
	active := &party.Party{ID: "p1", Name: "Acme GmbH"}
	o, wg := newTestOrchestrator(Deps{
		Sessions:  sessions,
		Engine:    eng,
		Directory: &fakeDirectory{parties: map[string]*party.Party{"p1": active}},
		Guard:     &fakeGuard{verdict: party.Verdict{Conflict: true, MentionedName: "Globex AG"}},
	})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID: "u1",
		Message: "What about the Globex AG balance sheet?",
		Filter:  &session.ContextFilter{PartyID: "p1"},
	}))
	wg.Wait()

	if len(chunks) != 2 || chunks[0].Kind != stream.KindText || chunks[1].Kind != stream.KindDone {
		t.Fatalf("chunks = %v, want [text done]", kinds(chunks))
	}
	if !strings.Contains(chunks[0].Text, "Globex AG") {
		t.Errorf("clarification text = %q, want mention of the conflicting name", chunks[0].Text)
	}
	if eng.callCount() != 0 {
		t.Errorf("engine called %d times, want 0", eng.callCount())
	}
	if len(sessions.sessions) != 0 {
		t.Errorf("session created despite conflict")
	}
	if len(sessions.turns) != 0 {
		t.Errorf("turns persisted despite conflict")
	}
}

func TestRunActivePartyNotFound(t *testing.T) {
	o, wg := newTestOrchestrator(Deps{
		Sessions:  newFakeSessions(),
		Engine:    &fakeEngine{},
		Directory: &fakeDirectory{},
	})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID: "u1",
		Message: "hi",
		Filter:  &session.ContextFilter{PartyID: "missing"},
	}))
	wg.Wait()

	if len(chunks) != 2 || chunks[0].Code != "party_not_found" {
		t.Fatalf("chunks = %v (code %q), want party_not_found error then done", kinds(chunks), chunks[0].Code)
	}
}

func TestRunEngineFailure(t *testing.T) {
	sessions := newFakeSessions()
	o, wg := newTestOrchestrator(Deps{
		Sessions: sessions,
		Engine:   &fakeEngine{err: errors.New("model unavailable")},
	})

	chunks := collect(t, o.Run(context.Background(), Request{OwnerID: "u1", Message: "hi"}))
	wg.Wait()

	last := chunks[len(chunks)-1]
	if last.Kind != stream.KindDone {
		t.Fatalf("last chunk = %v, want done", last.Kind)
	}
	var sawError bool
	for _, c := range chunks {
		if c.Kind == stream.KindError {
			sawError = true
			if c.Code != "internal_error" {
				t.Errorf("code = %q, want internal_error", c.Code)
			}
		}
	}
	if !sawError {
		t.Fatal("no error chunk emitted")
	}
	if got := sessions.turnsByRole(session.RoleAssistant); len(got) != 0 {
		t.Errorf("assistant turn persisted after engine failure")
	}
	if got := sessions.turnsByRole(session.RoleUser); len(got) != 1 {
		t.Errorf("user turn count = %d, want 1", len(got))
	}
}

func TestRunCitationsPrecedeText(t *testing.T) {
	eng := &fakeEngine{
		emit:    []stream.Chunk{stream.Text("grounded")},
		outcome: &engine.Outcome{Text: "grounded", Rounds: 1},
	}
	o, wg := newTestOrchestrator(Deps{
		Sessions: newFakeSessions(),
		Engine:   eng,
		Assembler: &fakeAssembler{
			context:   "[1] passage",
			citations: []stream.Citation{{ID: "doc-1", Source: "knowledge"}},
		},
	})

	chunks := collect(t, o.Run(context.Background(), Request{OwnerID: "u1", Message: "hi"}))
	wg.Wait()

	citationsAt, textAt := -1, -1
	for i, c := range chunks {
		switch c.Kind {
		case stream.KindCitations:
			citationsAt = i
		case stream.KindText:
			if textAt == -1 {
				textAt = i
			}
		}
	}
	if citationsAt == -1 {
		t.Fatal("no citations chunk emitted")
	}
	if textAt != -1 && citationsAt > textAt {
		t.Errorf("citations at %d after first text at %d", citationsAt, textAt)
	}
}

func TestRunEmptyAnswerNotPersisted(t *testing.T) {
	sessions := newFakeSessions()
	o, wg := newTestOrchestrator(Deps{
		Sessions: sessions,
		Engine:   &fakeEngine{outcome: &engine.Outcome{Text: "  \n", Rounds: 1}},
	})

	chunks := collect(t, o.Run(context.Background(), Request{OwnerID: "u1", Message: "hi"}))
	wg.Wait()

	if chunks[len(chunks)-1].Kind != stream.KindDone {
		t.Fatal("stream must end in done")
	}
	if got := sessions.turnsByRole(session.RoleAssistant); len(got) != 0 {
		t.Errorf("empty assistant answer was persisted")
	}
}

func TestRunToolSummariesPersisted(t *testing.T) {
	sessions := newFakeSessions()
	eng := &fakeEngine{
		emit: []stream.Chunk{
			stream.ToolCall("search_knowledge", stream.ToolCallStarted),
			stream.ToolCall("search_knowledge", stream.ToolCallCompleted),
			stream.Text("done deal"),
		},
		outcome: &engine.Outcome{Text: "done deal", Rounds: 2},
	}
	o, wg := newTestOrchestrator(Deps{Sessions: sessions, Engine: eng})

	collect(t, o.Run(context.Background(), Request{OwnerID: "u1", Message: "hi"}))
	wg.Wait()

	assistant := sessions.turnsByRole(session.RoleAssistant)
	if len(assistant) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(assistant))
	}
	calls := assistant[0].Meta.ToolCalls
	if len(calls) != 1 || calls[0].Name != "search_knowledge" || calls[0].Status != stream.ToolCallCompleted {
		t.Errorf("tool summaries = %+v, want one completed search_knowledge", calls)
	}
}

func TestRunFilesProcessed(t *testing.T) {
	fileID := uuid.New()
	ingestor := &fakeIngestor{acceptances: []ingest.Acceptance{
		{Name: "report.pdf", File: &ingest.IngestedFile{ID: fileID, Name: "report.pdf"}},
		{Name: "huge.bin", Err: ingest.ErrUnsupportedType},
	}}
	assembler := &fakeAssembler{}
	o, wg := newTestOrchestrator(Deps{
		Sessions:  newFakeSessions(),
		Engine:    &fakeEngine{},
		Assembler: assembler,
		Ingestor:  ingestor,
	})

	chunks := collect(t, o.Run(context.Background(), Request{
		OwnerID: "u1",
		Message: "summarize the attached report",
		Files:   []ingest.Upload{{Name: "report.pdf"}, {Name: "huge.bin"}},
	}))
	wg.Wait()

	var files []stream.FileStatus
	for _, c := range chunks {
		if c.Kind == stream.KindFilesProcessed {
			files = c.Files
		}
	}
	if len(files) != 2 {
		t.Fatalf("files_processed entries = %d, want 2", len(files))
	}
	if files[0].Status != ingest.StatusProcessing || files[1].Status != ingest.StatusError {
		t.Errorf("statuses = %q/%q, want processing/error", files[0].Status, files[1].Status)
	}
	// Only the accepted file links into retrieval.
	if len(assembler.lastOpts.DocumentIDs) != 1 || assembler.lastOpts.DocumentIDs[0] != fileID.String() {
		t.Errorf("DocumentIDs = %v, want [%s]", assembler.lastOpts.DocumentIDs, fileID)
	}
}

func TestBuildInstruction(t *testing.T) {
	logger := testLogger()
	active := &party.Party{ID: "p1", Name: "Acme GmbH"}

	tests := []struct {
		name        string
		contextText string
		filter      session.ContextFilter
		active      *party.Party
		contains    []string
		excludes    []string
	}{
		{
			name:     "bare",
			excludes: []string{"retrieved context", "accounting system", "[1], [2]"},
		},
		{
			name:        "context adds citation note",
			contextText: "[1] passage",
			contains:    []string{"retrieved context", "[1] passage", "[1], [2]"},
		},
		{
			name:     "accounting flag",
			filter:   session.ContextFilter{AccountingEnabled: true},
			contains: []string{"accounting system"},
		},
		{
			name:     "active client named",
			active:   active,
			contains: []string{"Acme GmbH"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildInstruction(DefaultPersonaID, tt.contextText, tt.filter, tt.active, logger)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("instruction missing %q", want)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("instruction unexpectedly contains %q", bad)
				}
			}
		})
	}
}

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "short passes through", message: "VAT question", want: "VAT question"},
		{name: "trims whitespace", message: "  hello  ", want: "hello"},
		{
			name:    "long cut at word boundary",
			message: "Please explain the reverse charge mechanism for intra-community supplies in detail",
			want:    "Please explain the reverse charge mechanism for...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateTitle(tt.message); got != tt.want {
				t.Errorf("truncateTitle(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}
