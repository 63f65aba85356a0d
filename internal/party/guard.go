package party

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
)

// legalEntityPattern matches company names by their legal-form suffix
// (German legal forms, the practice's client base). It captures up to four
// preceding words as the candidate name. Best-effort: the guard exists to
// catch obvious mix-ups, not to parse prose.
var legalEntityPattern = regexp.MustCompile(
	`(?i)((?:[\p{L}0-9][\p{L}0-9&.-]*\s+){1,4})(GmbH\s*&\s*Co\.\s*KG|GmbH|AG|KG|OHG|GbR|e\.K\.|UG|SE)(?:[\s,.;:!?)]|$)`)

// Verdict is the outcome of one guard check.
type Verdict struct {
	// Conflict reports that the message appears to concern a different
	// party than the active filter.
	Conflict bool

	// MentionedName is the conflicting name as written in the message.
	MentionedName string

	// Mentioned is the directory record for MentionedName, nil when the
	// lookup failed or found nothing.
	Mentioned *Party
}

// Guard checks user messages against the session's active party filter.
type Guard struct {
	directory Directory
	logger    *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(directory Directory, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{directory: directory, logger: logger}
}

// Check scans the message for company names and compares them to the active
// party. A name matching the active party never conflicts. A differing name
// is looked up in the directory: resolving to the active party clears it,
// anything else (a different party, or a failed lookup) reports a conflict —
// asking the user to clarify is cheaper than answering about the wrong
// client.
func (g *Guard) Check(ctx context.Context, message string, active *Party) Verdict {
	if active == nil {
		return Verdict{}
	}

	for _, match := range legalEntityPattern.FindAllStringSubmatch(message, -1) {
		verdict, clear := g.checkMention(ctx, match[1]+match[2], active)
		if clear {
			continue
		}
		return verdict
	}

	return Verdict{}
}

// checkMention evaluates one regex match. The capture may include words
// before the actual company name ("for Acme GmbH"), so every word-suffix of
// the capture is considered a candidate, longest first.
func (g *Guard) checkMention(ctx context.Context, capture string, active *Party) (Verdict, bool) {
	words := strings.Fields(capture)
	candidates := make([]string, 0, len(words)-1)
	for i := 0; i < len(words)-1; i++ {
		candidate := strings.Join(words[i:], " ")
		if equalNames(candidate, active.Name) {
			return Verdict{}, true
		}
		candidates = append(candidates, candidate)
	}

	for _, candidate := range candidates {
		found, err := g.directory.FindByName(ctx, candidate)
		switch {
		case err == nil && found.ID == active.ID:
			return Verdict{}, true
		case err == nil:
			return Verdict{Conflict: true, MentionedName: candidate, Mentioned: found}, false
		case !errors.Is(err, ErrNotFound):
			g.logger.Warn("party lookup for mentioned name failed, asking user to clarify",
				"name", candidate, "error", err)
			return Verdict{Conflict: true, MentionedName: candidate}, false
		}
	}

	// No candidate resolved in the directory. The message still names an
	// entity that is not the active client, so ask rather than guess.
	shortest := candidates[len(candidates)-1]
	return Verdict{Conflict: true, MentionedName: shortest}, false
}

// ConflictMessage renders the clarification text for a conflicting verdict.
func ConflictMessage(v Verdict, active *Party) string {
	var b strings.Builder
	b.WriteString("Your message mentions ")
	b.WriteString(v.MentionedName)
	b.WriteString(", but the active client for this conversation is ")
	b.WriteString(active.Name)
	b.WriteString(". Please switch the client filter or rephrase your question ")
	b.WriteString("so I can be sure which client you mean.")
	return b.String()
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func equalNames(a, b string) bool {
	return strings.EqualFold(normalizeName(a), normalizeName(b))
}
