package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractText converts raw file bytes into plain text by extension.
// Zero extracted text is an error: a file that produces no chunks can never
// be retrieved, so it must surface as a failed ingestion.
func extractText(name string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		text, err = extractPDF(data)
	} else {
		text = normalizeText(string(data))
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("no text content extracted")
	}
	return text, nil
}

// extractPDF pulls plain text from all readable pages. Pages that fail to
// decode are skipped; only a fully unreadable document fails.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return normalizeText(b.String()), nil
}

// normalizeText strips NUL bytes and invalid UTF-8 and collapses whitespace.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
