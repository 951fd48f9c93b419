package uploader

import (
	"io"
	"strings"
	"testing"
)

func memFile(name, contentType string, size int64) File {
	return File{
		Name:        name,
		Size:        size,
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(strings.Repeat("a", int(size)))), nil
		},
	}
}

func TestValidatePartitionsFiles(t *testing.T) {
	v := Validator{
		AllowedTypes: []string{"application/pdf", "text/plain"},
		MaxFileSize:  100,
	}
	files := []File{
		memFile("ok.pdf", "application/pdf", 50),
		memFile("big.pdf", "application/pdf", 101),
		memFile("bad.exe", "application/octet-stream", 10),
		memFile("notes.txt", "text/plain; charset=utf-8", 10),
	}
	valid, rejected := v.Validate(files)
	if len(valid) != 2 {
		t.Fatalf("expected 2 valid files, got %d", len(valid))
	}
	if valid[0].Name != "ok.pdf" || valid[1].Name != "notes.txt" {
		t.Fatalf("unexpected valid set: %v, %v", valid[0].Name, valid[1].Name)
	}
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %d", len(rejected))
	}
	if rejected[0].File.Name != "big.pdf" || !strings.Contains(rejected[0].Reason, "exceeds limit") {
		t.Fatalf("unexpected rejection: %+v", rejected[0])
	}
	if rejected[1].File.Name != "bad.exe" || !strings.Contains(rejected[1].Reason, "not supported") {
		t.Fatalf("unexpected rejection: %+v", rejected[1])
	}
}

func TestValidateNoSizeLimit(t *testing.T) {
	v := Validator{AllowedTypes: []string{"text/plain"}}
	valid, rejected := v.Validate([]File{memFile("huge.txt", "text/plain", 1 << 40)})
	if len(valid) != 1 || len(rejected) != 0 {
		t.Fatalf("expected zero limit to admit any size, got %d valid %d rejected", len(valid), len(rejected))
	}
}

func TestValidateRejectionNeverBlocksOthers(t *testing.T) {
	v := Validator{AllowedTypes: []string{"text/plain"}, MaxFileSize: 10}
	files := []File{
		memFile("a.bin", "application/octet-stream", 1),
		memFile("b.txt", "text/plain", 1),
		memFile("c.bin", "application/octet-stream", 1),
		memFile("d.txt", "text/plain", 1),
	}
	valid, rejected := v.Validate(files)
	if len(valid) != 2 || len(rejected) != 2 {
		t.Fatalf("got %d valid, %d rejected", len(valid), len(rejected))
	}
}
