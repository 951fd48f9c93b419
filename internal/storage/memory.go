// Package storage contains the in-memory registry and blob store used by the
// self-contained dev mode and by tests. Both satisfy the same interfaces as
// the postgres/MinIO implementations.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralin/docflow/internal/model"
	"github.com/seralin/docflow/internal/repository"
)

// ErrObjectMissing reports that an upload has not landed in object storage
// yet. The completion endpoint maps it to the retriable "upload timed out"
// response.
var ErrObjectMissing = errors.New("object not found in storage")

// MemoryRegistry keeps documents and their processing jobs in a map guarded
// by an RWMutex.
type MemoryRegistry struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: make(map[string]*model.Document)}
}

// CreateDocument inserts a document in uploading state.
func (m *MemoryRegistry) CreateDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	doc.Status = model.DocStatusUploading
	doc.CreatedAt = now
	doc.UpdatedAt = now
	stored := *doc
	m.docs[doc.ID] = &stored
	return nil
}

// GetDocument returns a copy of the document.
func (m *MemoryRegistry) GetDocument(_ context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneDocument(doc)
	return &out, nil
}

// ListDocuments returns all documents, newest first.
func (m *MemoryRegistry) ListDocuments(context.Context) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActiveJobs returns documents whose job still needs observation.
func (m *MemoryRegistry) ActiveJobs(context.Context) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Document
	for _, doc := range m.docs {
		if doc.ProcessingJob != nil && doc.ProcessingJob.Status.Active() {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecentlyCompleted returns documents whose job resolved after since.
func (m *MemoryRegistry) RecentlyCompleted(_ context.Context, since time.Time) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Document
	for _, doc := range m.docs {
		job := doc.ProcessingJob
		if job == nil || job.Status.Active() {
			continue
		}
		if doc.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}

// BeginProcessing flips uploading → processing and creates the pending job.
func (m *MemoryRegistry) BeginProcessing(_ context.Context, docID string) (*model.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if doc.Status != model.DocStatusUploading {
		return nil, repository.ErrNotUploading
	}
	job := &model.ProcessingJob{
		ID:     uuid.NewString(),
		Status: model.JobStatusPending,
	}
	doc.Status = model.DocStatusProcessing
	doc.ProcessingJob = job
	doc.UpdatedAt = time.Now().UTC()
	return job, nil
}

// SetJobProgress records the worker's current stage.
func (m *MemoryRegistry) SetJobProgress(_ context.Context, docID string, status model.JobStatus, stage string) error {
	return m.mutateJob(docID, func(doc *model.Document, job *model.ProcessingJob) {
		job.Status = status
		job.ProcessingStage = stage
	})
}

// BumpJobRetry marks the job retry_pending and increments its counter.
func (m *MemoryRegistry) BumpJobRetry(_ context.Context, docID string, msg string) error {
	return m.mutateJob(docID, func(doc *model.Document, job *model.ProcessingJob) {
		job.Status = model.JobStatusRetryPending
		job.RetryCount++
		job.ErrorMessage = msg
	})
}

// CompleteDocument records the processed artifact and resolves the job.
func (m *MemoryRegistry) CompleteDocument(_ context.Context, docID, processedKey string) error {
	return m.mutateJob(docID, func(doc *model.Document, job *model.ProcessingJob) {
		doc.Status = model.DocStatusCompleted
		doc.ProcessedKey = processedKey
		job.Status = model.JobStatusProcessed
		job.ProcessingStage = ""
	})
}

// FailDocument resolves the document and its job as failed.
func (m *MemoryRegistry) FailDocument(_ context.Context, docID, msg string) error {
	return m.mutateJob(docID, func(doc *model.Document, job *model.ProcessingJob) {
		doc.Status = model.DocStatusError
		job.Status = model.JobStatusError
		job.ErrorMessage = msg
	})
}

// TotalStoredBytes sums the sizes counted against the account quota.
func (m *MemoryRegistry) TotalStoredBytes(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, doc := range m.docs {
		if doc.Status != model.DocStatusError {
			total += doc.Size
		}
	}
	return total, nil
}

// ExpireStaleUploads fails documents stuck in uploading since before cutoff.
func (m *MemoryRegistry) ExpireStaleUploads(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired int64
	for _, doc := range m.docs {
		if doc.Status == model.DocStatusUploading && doc.CreatedAt.Before(cutoff) {
			doc.Status = model.DocStatusError
			doc.UpdatedAt = time.Now().UTC()
			expired++
		}
	}
	return expired, nil
}

func (m *MemoryRegistry) mutateJob(docID string, fn func(*model.Document, *model.ProcessingJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return repository.ErrNotFound
	}
	if doc.ProcessingJob == nil {
		doc.ProcessingJob = &model.ProcessingJob{ID: uuid.NewString()}
	}
	fn(doc, doc.ProcessingJob)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneDocument(doc *model.Document) model.Document {
	out := *doc
	if doc.ProcessingJob != nil {
		job := *doc.ProcessingJob
		out.ProcessingJob = &job
	}
	return out
}

// MemoryBlobStore holds raw and processed object bytes for dev mode.
type MemoryBlobStore struct {
	mu        sync.RWMutex
	raw       map[string][]byte
	processed map[string][]byte
}

// NewMemoryBlobStore constructs an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		raw:       make(map[string][]byte),
		processed: make(map[string][]byte),
	}
}

// PutRaw stores an uploaded object body.
func (b *MemoryBlobStore) PutRaw(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw[key] = data
}

// StatUpload reports the stored size, or ErrObjectMissing.
func (b *MemoryBlobStore) StatUpload(_ context.Context, key string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.raw[key]
	if !ok {
		return 0, ErrObjectMissing
	}
	return int64(len(data)), nil
}

// DownloadRaw returns the uploaded bytes.
func (b *MemoryBlobStore) DownloadRaw(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.raw[key]
	if !ok {
		return nil, ErrObjectMissing
	}
	return data, nil
}

// UploadProcessed stores the extracted text.
func (b *MemoryBlobStore) UploadProcessed(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed[key] = data
	return nil
}
