// Package attach extracts searchable text from uploaded problem files
// so the generator can feed them into prompts.
package attach

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxTextLen caps extracted text; prompts snippet it further anyway.
const maxTextLen = 100_000

var pdfMagic = []byte("%PDF-")

// ExtractText converts an uploaded file into plain text. PDFs are parsed
// page by page; anything else is treated as UTF-8 text. Binary data that
// is neither a PDF nor valid UTF-8 is rejected.
func ExtractText(name string, data []byte) (string, error) {
	if isPDF(name, data) {
		return extractPDF(data)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %q is neither a PDF nor valid UTF-8 text", name)
	}
	return truncate(string(data)), nil
}

func isPDF(name string, data []byte) bool {
	if bytes.HasPrefix(data, pdfMagic) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return truncate(strings.TrimSpace(sb.String())), nil
}

func truncate(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	cut := s[:maxTextLen]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
