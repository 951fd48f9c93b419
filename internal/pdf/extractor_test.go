package pdfutil

import (
	"strings"
	"testing"
)

func TestExtractTextPassthrough(t *testing.T) {
	text, err := Extract([]byte("plain body"), "text/plain; charset=utf-8")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "plain body" {
		t.Fatalf("expected verbatim passthrough, got %q", text)
	}

	md, err := Extract([]byte("# heading"), "text/markdown")
	if err != nil {
		t.Fatalf("extract markdown: %v", err)
	}
	if md != "# heading" {
		t.Fatalf("unexpected markdown output %q", md)
	}
}

func TestExtractRejectsUnknownType(t *testing.T) {
	_, err := Extract([]byte{0x00, 0x01}, "application/octet-stream")
	if err == nil || !strings.Contains(err.Error(), "unsupported content type") {
		t.Fatalf("expected unsupported-type error, got %v", err)
	}
}

func TestExtractRejectsCorruptPDF(t *testing.T) {
	_, err := Extract([]byte("not a pdf"), "application/pdf")
	if err == nil {
		t.Fatalf("expected error for corrupt pdf bytes")
	}
}
