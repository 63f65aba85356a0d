// Package stream defines the typed chunk sequence emitted to clients during
// a chat turn, and the NDJSON writer that puts it on the wire.
//
// A chunk sequence is always complete: whatever happens during the turn, the
// last chunk a client sees is KindDone.
package stream

// Kind discriminates the chunk union on the wire.
type Kind string

// Chunk kinds. New kinds require a review of every consumer switch.
const (
	KindText           Kind = "text"
	KindCitations      Kind = "citations"
	KindToolCall       Kind = "tool_call"
	KindFilesProcessed Kind = "files_processed"
	KindSessionCreated Kind = "session_created"
	KindError          Kind = "error"
	KindDone           Kind = "done"
)

// Tool-call statuses carried by KindToolCall chunks.
const (
	ToolCallStarted   = "started"
	ToolCallCompleted = "completed"
)

// Citation points at a retrieved source used to ground the response.
type Citation struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Title   string `json:"title,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// FileStatus reports the phase-1 acceptance outcome for one uploaded file.
type FileStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Chunk is the closed sum streamed to the client. Kind selects which of the
// payload fields are meaningful; all others are zero and omitted from JSON.
type Chunk struct {
	Kind Kind `json:"type"`

	// KindText
	Text string `json:"text,omitempty"`

	// KindCitations
	Citations []Citation `json:"citations,omitempty"`

	// KindToolCall
	ToolName   string `json:"toolName,omitempty"`
	ToolStatus string `json:"toolStatus,omitempty"`

	// KindFilesProcessed
	Files []FileStatus `json:"files,omitempty"`

	// KindSessionCreated
	SessionID string `json:"sessionId,omitempty"`

	// KindError
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns a text chunk.
func Text(text string) Chunk {
	return Chunk{Kind: KindText, Text: text}
}

// Citations returns a citations chunk.
func Citations(citations []Citation) Chunk {
	return Chunk{Kind: KindCitations, Citations: citations}
}

// ToolCall returns a tool_call chunk with the given status.
func ToolCall(name, status string) Chunk {
	return Chunk{Kind: KindToolCall, ToolName: name, ToolStatus: status}
}

// FilesProcessed returns a files_processed chunk.
func FilesProcessed(files []FileStatus) Chunk {
	return Chunk{Kind: KindFilesProcessed, Files: files}
}

// SessionCreated returns a session_created chunk.
func SessionCreated(id string) Chunk {
	return Chunk{Kind: KindSessionCreated, SessionID: id}
}

// Error returns an error chunk.
func Error(code, message string) Chunk {
	return Chunk{Kind: KindError, Code: code, Message: message}
}

// Done returns the terminal chunk.
func Done() Chunk {
	return Chunk{Kind: KindDone}
}
