package uploader

import (
	"fmt"
	"strings"
)

// Rejection explains why a file was refused at admission time.
type Rejection struct {
	File   File
	Reason string
}

// Validator holds the admission rules. Validate is pure: it performs no I/O
// and leaves surfacing rejections to the caller.
type Validator struct {
	AllowedTypes []string
	MaxFileSize  int64
}

// Validate partitions files into admitted and rejected. Admission is
// all-or-nothing per file; one rejected file never blocks the others.
func (v Validator) Validate(files []File) (valid []File, rejected []Rejection) {
	for _, f := range files {
		if !v.allowed(f.ContentType) {
			rejected = append(rejected, Rejection{
				File:   f,
				Reason: fmt.Sprintf("file type %q is not supported", f.ContentType),
			})
			continue
		}
		if v.MaxFileSize > 0 && f.Size > v.MaxFileSize {
			rejected = append(rejected, Rejection{
				File:   f,
				Reason: fmt.Sprintf("file size %d exceeds limit of %d bytes", f.Size, v.MaxFileSize),
			})
			continue
		}
		valid = append(valid, f)
	}
	return valid, rejected
}

func (v Validator) allowed(contentType string) bool {
	// Declared types may carry parameters ("text/plain; charset=utf-8").
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, t := range v.AllowedTypes {
		if strings.EqualFold(t, base) {
			return true
		}
	}
	return false
}
