package uploader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/seralin/docflow/internal/apiclient"
)

// Backend is the slice of the API client the executor needs. Declaring it
// here keeps the executor testable against fakes.
type Backend interface {
	CreateUploadURL(ctx context.Context, req apiclient.UploadURLRequest) (*apiclient.UploadURLResponse, error)
	TransferFile(ctx context.Context, uploadURL string, src io.Reader, size int64, contentType string, onProgress func(int)) error
	CompleteUpload(ctx context.Context, documentID string) error
}

// Progress milestones: the signed-URL handshake accounts for the first 10%,
// the byte transfer fills 10-90, and the completion confirmation closes the
// last stretch. The UI sees continuous movement across both network phases.
const (
	progressSigned   = 10
	transferBand     = 80
	progressComplete = 100
)

// Result reports a finished (or exhausted) upload attempt. RetryCount is the
// number of completion-confirmation retries consumed and is meaningful on
// both the success and the failure path.
type Result struct {
	DocumentID string
	RetryCount int
}

// Executor performs the three-step per-file protocol. It is the only place
// that talks to the upload and completion endpoints.
type Executor struct {
	backend    Backend
	maxRetries int
	backoff    time.Duration

	// sleep is swappable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an Executor. maxRetries bounds completion-confirmation
// retries; backoff grows linearly per attempt (1x, 2x, 3x).
func NewExecutor(backend Backend, maxRetries int, backoff time.Duration) *Executor {
	return &Executor{
		backend:    backend,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepContext,
	}
}

// Execute drives one file through signed-URL request, byte transfer, and
// completion confirmation. Each step's failure aborts the remaining steps.
// onProgress receives overall percentages (0-100) and is never called with a
// value lower than one already reported.
func (e *Executor) Execute(ctx context.Context, file File, onProgress func(int)) (Result, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}

	// Step 1: request the signed upload target.
	target, err := e.backend.CreateUploadURL(ctx, apiclient.UploadURLRequest{
		FileName:    file.Name,
		FileSize:    file.Size,
		ContentType: file.ContentType,
	})
	if err != nil {
		return Result{}, fmt.Errorf("request upload url: %w", err)
	}
	onProgress(progressSigned)
	res := Result{DocumentID: target.DocumentID}

	// Step 2: stream the bytes. Raw transfer percentages map into the
	// 10-90 band of overall progress.
	src, err := file.Open()
	if err != nil {
		return res, fmt.Errorf("open %s: %w", file.Name, err)
	}
	err = e.backend.TransferFile(ctx, target.UploadURL, src, file.Size, file.ContentType, func(raw int) {
		onProgress(progressSigned + raw*transferBand/100)
	})
	src.Close()
	if err != nil {
		if apiclient.Cancelled(err) {
			return res, apiclient.ErrCancelled
		}
		return res, fmt.Errorf("transfer %s: %w", file.Name, err)
	}

	// Step 3: confirm completion. "Not in uploading state" and "timed out"
	// are races between the transfer finishing and the backend's bookkeeping
	// catching up; only those are retried, with linearly increasing backoff.
	for attempt := 0; ; attempt++ {
		err = e.backend.CompleteUpload(ctx, target.DocumentID)
		if err == nil {
			break
		}
		if apiclient.Cancelled(err) {
			return res, apiclient.ErrCancelled
		}
		if !apiclient.Transient(err) || attempt >= e.maxRetries {
			return res, fmt.Errorf("confirm completion: %w", err)
		}
		res.RetryCount++
		delay := time.Duration(attempt+1) * e.backoff
		if serr := e.sleep(ctx, delay); serr != nil {
			return res, apiclient.ErrCancelled
		}
	}
	onProgress(progressComplete)
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
