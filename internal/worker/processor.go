// Package worker advances confirmed uploads through the processing stages:
// extract the text, store the processed artifact, mark the document
// searchable.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/seralin/docflow/internal/model"
	pdfutil "github.com/seralin/docflow/internal/pdf"
	"github.com/seralin/docflow/internal/queue"
)

// Registry is the slice of the document registry the worker mutates.
type Registry interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	SetJobProgress(ctx context.Context, docID string, status model.JobStatus, stage string) error
	BumpJobRetry(ctx context.Context, docID string, msg string) error
	CompleteDocument(ctx context.Context, docID, processedKey string) error
	FailDocument(ctx context.Context, docID, msg string) error
}

// ObjectStore is the slice of object storage the worker reads and writes.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadProcessed(ctx context.Context, objectKey string, data []byte) error
}

// Processor runs the processing stages for one document at a time. It is
// plugged into the asynq worker loop in production and into the in-process
// pool in dev mode.
type Processor struct {
	registry Registry
	store    ObjectStore
}

// NewProcessor constructs a Processor.
func NewProcessor(registry Registry, store ObjectStore) *Processor {
	return &Processor{registry: registry, store: store}
}

// Handler registers the process-document task on an asynq mux.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessDocumentTask, p.handleTask)
	return mux
}

func (p *Processor) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return p.Process(ctx, payload)
}

// Process runs the stages. A retriable failure bumps the job to
// retry_pending so the status feed shows the retry; returning the error lets
// asynq redeliver. The final failure resolves the document as error.
func (p *Processor) Process(ctx context.Context, payload queue.ProcessPayload) error {
	docID := payload.DocumentID
	fail := func(err error) error {
		log.Printf("processing failed for %s: %v", docID, err)
		_ = p.registry.FailDocument(ctx, docID, err.Error())
		return err
	}

	if err := p.registry.SetJobProgress(ctx, docID, model.JobStatusProcessing, "extracting"); err != nil {
		return fail(err)
	}
	doc, err := p.registry.GetDocument(ctx, docID)
	if err != nil {
		return fail(err)
	}
	data, err := p.store.DownloadRaw(ctx, payload.ObjectKey)
	if err != nil {
		// Storage reads are the flaky stage; surface the retry in the feed
		// instead of failing outright.
		log.Printf("download raw for %s: %v, will retry", docID, err)
		_ = p.registry.BumpJobRetry(ctx, docID, err.Error())
		return err
	}
	text, err := pdfutil.Extract(data, doc.ContentType)
	if err != nil {
		return fail(err)
	}

	if err := p.registry.SetJobProgress(ctx, docID, model.JobStatusProcessing, "indexing"); err != nil {
		return fail(err)
	}
	processedKey := processedObjectKey(payload.ObjectKey)
	if err := p.store.UploadProcessed(ctx, processedKey, []byte(text)); err != nil {
		return fail(err)
	}
	if err := p.registry.CompleteDocument(ctx, docID, processedKey); err != nil {
		return fail(err)
	}
	log.Printf("document %s processed (%d bytes of text)", docID, len(text))
	return nil
}

func processedObjectKey(objectKey string) string {
	base := strings.TrimSuffix(objectKey, filepath.Ext(objectKey))
	return fmt.Sprintf("%s.txt", base)
}
