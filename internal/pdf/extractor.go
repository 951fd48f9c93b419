package pdfutil

import (
	"bytes"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ExtractText reads PDF bytes and returns plain text using ledongthuc/pdf.
func ExtractText(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// Extract returns searchable text for the given payload. PDFs go through the
// extractor; text-family types pass through verbatim.
func Extract(data []byte, contentType string) (string, error) {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch {
	case base == "application/pdf":
		return ExtractText(data)
	case strings.HasPrefix(base, "text/"):
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}
