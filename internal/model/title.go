package model

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/kanzleihq/advisor/internal/session"
)

// titleGenerationTimeout keeps title inference from delaying the first
// response chunks for long.
const titleGenerationTimeout = 5 * time.Second

// titleInputMaxRunes limits the message length sent to the model for title
// generation, reducing latency and cost.
const titleInputMaxRunes = 500

const titlePrompt = `Generate a concise title (max 50 characters) for a conversation based on this first message.
The title should capture the main topic or intent.
Return ONLY the title text, no quotes, no explanations, no punctuation at the end.

Message: %s

Title:`

// TitleGenerator derives short session titles from the first user message.
type TitleGenerator struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewTitleGenerator creates a TitleGenerator using the given model.
func NewTitleGenerator(g *genkit.Genkit, modelName string, logger *slog.Logger) *TitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{g: g, modelName: modelName, logger: logger}
}

// Generate returns a title for the given first message. On any model
// failure it falls back to truncating the message itself, so the caller
// always receives a usable title.
func (t *TitleGenerator) Generate(ctx context.Context, firstMessage string) string {
	if title := t.generateWithModel(ctx, firstMessage); title != "" {
		return title
	}
	return TruncateTitle(firstMessage)
}

func (t *TitleGenerator) generateWithModel(ctx context.Context, firstMessage string) string {
	if t.g == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, titleGenerationTimeout)
	defer cancel()

	inputRunes := []rune(firstMessage)
	if len(inputRunes) > titleInputMaxRunes {
		firstMessage = string(inputRunes[:titleInputMaxRunes]) + "..."
	}

	resp, err := genkit.Generate(ctx, t.g,
		ai.WithModelName(t.modelName),
		ai.WithPrompt(titlePrompt, firstMessage),
	)
	if err != nil {
		t.logger.Debug("title generation failed, using truncation fallback", "error", err)
		return ""
	}

	title := strings.TrimSpace(resp.Text())
	if title == "" {
		return ""
	}

	titleRunes := []rune(title)
	if len(titleRunes) > session.TitleMaxLength {
		title = string(titleRunes[:session.TitleMaxLength-3]) + "..."
	}
	return title
}

// TruncateTitle derives a title by truncating a message at a word boundary.
func TruncateTitle(message string) string {
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= session.TitleMaxLength {
		return message
	}

	truncated := string(runes[:session.TitleMaxLength])
	lastSpace := strings.LastIndex(truncated, " ")
	if lastSpace > session.TitleMaxLength/2 {
		truncated = truncated[:lastSpace]
	}
	return strings.TrimSpace(truncated) + "..."
}
