package apiclient

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled marks an upload aborted by the user. Cancellation is a
// distinct outcome, not a failure; the queue must never count it toward the
// failure tally.
var ErrCancelled = errors.New("upload cancelled")

// StorageLimitError reports that the account quota is exhausted. It carries
// the usage figures the upgrade prompt renders.
type StorageLimitError struct {
	Current int64
	Limit   int64
	Tier    string
}

func (e *StorageLimitError) Error() string {
	return fmt.Sprintf("storage limit exceeded (%d of %d bytes, %s tier)", e.Current, e.Limit, e.Tier)
}

// FileTypeError reports a declared MIME type outside the allowed set.
type FileTypeError struct {
	ContentType string
}

func (e *FileTypeError) Error() string {
	return fmt.Sprintf("file type %q is not supported", e.ContentType)
}

// FileSizeError reports a file larger than the configured maximum.
type FileSizeError struct {
	Size  int64
	Limit int64
}

func (e *FileSizeError) Error() string {
	return fmt.Sprintf("file size %d exceeds limit of %d bytes", e.Size, e.Limit)
}

// AuthError reports an expired or missing session.
type AuthError struct{}

func (e *AuthError) Error() string {
	return "session expired, please sign in again"
}

// NotFoundError reports a document unknown to the backend.
type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.DocumentID)
}

// TransientStateError is the "not in uploading state" / "upload timed out"
// family: a timing race between the byte transfer finishing and the backend's
// bookkeeping catching up. It is the only retriable classification.
type TransientStateError struct {
	Reason string
}

func (e *TransientStateError) Error() string {
	return e.Reason
}

// ServerError reports a 5xx from the backend.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d), please try again later", e.StatusCode)
}

// Transient reports whether the completion call may be retried for err.
func Transient(err error) bool {
	var transient *TransientStateError
	return errors.As(err, &transient)
}

// Cancelled reports whether err represents a user-initiated abort rather
// than a failure.
func Cancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
