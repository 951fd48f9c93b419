package uploader

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/seralin/docflow/internal/apiclient"
)

// fakeBackend scripts the three protocol calls.
type fakeBackend struct {
	signErr      error
	transferErr  error
	completeErrs []error
	completeHits int
	transferPcts []int
	slept        []time.Duration
}

func (f *fakeBackend) CreateUploadURL(_ context.Context, req apiclient.UploadURLRequest) (*apiclient.UploadURLResponse, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &apiclient.UploadURLResponse{DocumentID: "doc-1", UploadURL: "http://storage/put"}, nil
}

func (f *fakeBackend) TransferFile(_ context.Context, _ string, src io.Reader, _ int64, _ string, onProgress func(int)) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	_, _ = io.Copy(io.Discard, src)
	for _, pct := range f.transferPcts {
		onProgress(pct)
	}
	onProgress(100)
	return nil
}

func (f *fakeBackend) CompleteUpload(context.Context, string) error {
	i := f.completeHits
	f.completeHits++
	if i < len(f.completeErrs) {
		return f.completeErrs[i]
	}
	return nil
}

func newTestExecutor(backend Backend) *Executor {
	e := NewExecutor(backend, 3, time.Second)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		if fb, ok := backend.(*fakeBackend); ok {
			fb.slept = append(fb.slept, d)
		}
		return nil
	}
	return e
}

func TestExecuteProgressBand(t *testing.T) {
	backend := &fakeBackend{transferPcts: []int{25, 50, 75}}
	e := newTestExecutor(backend)
	var seen []int
	res, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), func(p int) {
		seen = append(seen, p)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.DocumentID != "doc-1" {
		t.Fatalf("expected doc-1, got %s", res.DocumentID)
	}
	want := []int{10, 30, 50, 70, 90, 100}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	transient := &apiclient.TransientStateError{Reason: "Upload timed out"}
	backend := &fakeBackend{completeErrs: []error{transient, transient, transient}}
	e := newTestExecutor(backend)
	res, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if backend.completeHits != 4 {
		t.Fatalf("expected 4 completion attempts, got %d", backend.completeHits)
	}
	if res.RetryCount != 3 {
		t.Fatalf("expected 3 retries consumed, got %d", res.RetryCount)
	}
	// Linear backoff: 1s, 2s, 3s.
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(backend.slept) != len(want) {
		t.Fatalf("expected %v, got %v", want, backend.slept)
	}
	for i := range want {
		if backend.slept[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, backend.slept)
		}
	}
}

func TestExecuteRetryBounded(t *testing.T) {
	transient := &apiclient.TransientStateError{Reason: "Document is not in uploading state"}
	backend := &fakeBackend{completeErrs: []error{transient, transient, transient, transient, transient}}
	e := newTestExecutor(backend)
	res, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), nil)
	if err == nil {
		t.Fatalf("expected error after retries exhausted")
	}
	if backend.completeHits != 4 {
		t.Fatalf("expected exactly 4 attempts (1 initial + 3 retries), got %d", backend.completeHits)
	}
	if res.RetryCount != 3 {
		t.Fatalf("expected 3 retries consumed, got %d", res.RetryCount)
	}
	if !apiclient.Transient(err) {
		t.Fatalf("expected the transient classification to survive wrapping, got %v", err)
	}
}

func TestExecuteNoRetryForPermanentErrors(t *testing.T) {
	backend := &fakeBackend{completeErrs: []error{&apiclient.AuthError{}}}
	e := newTestExecutor(backend)
	_, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if backend.completeHits != 1 {
		t.Fatalf("auth failures must not be retried, got %d attempts", backend.completeHits)
	}
	var authErr *apiclient.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestExecuteSignedURLFailureAbortsProtocol(t *testing.T) {
	backend := &fakeBackend{signErr: &apiclient.StorageLimitError{Current: 90, Limit: 100, Tier: "free"}}
	e := newTestExecutor(backend)
	_, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), nil)
	var limitErr *apiclient.StorageLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected StorageLimitError, got %v", err)
	}
	if backend.completeHits != 0 {
		t.Fatalf("completion must not run after a signed-url failure")
	}
}

func TestExecuteCancelledTransferIsNotAnError(t *testing.T) {
	backend := &fakeBackend{transferErr: context.Canceled}
	e := newTestExecutor(backend)
	_, err := e.Execute(context.Background(), memFile("a.txt", "text/plain", 4), nil)
	if !apiclient.Cancelled(err) {
		t.Fatalf("expected cancelled outcome, got %v", err)
	}
	if apiclient.Transient(err) {
		t.Fatalf("cancellation must not be retriable")
	}
}
