// Package repository wraps all registry SQL used by the API server and the
// processing worker.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seralin/docflow/internal/model"
)

var (
	// ErrNotFound is returned when a document id is unknown.
	ErrNotFound = errors.New("document not found")
	// ErrNotUploading is returned when a completion is confirmed for a
	// document that is not waiting for one.
	ErrNotUploading = errors.New("document is not in uploading state")
)

// DocumentRepository is the postgres-backed registry.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

// CreateDocument inserts a document in uploading state, before any bytes move.
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	doc.Status = model.DocStatusUploading
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, original_filename, size, content_type, object_key, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, doc.ID, doc.OriginalFilename, doc.Size, doc.ContentType, doc.ObjectKey, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `
	d.id, d.original_filename, d.size, d.content_type, d.object_key, d.processed_key, d.status, d.created_at, d.updated_at,
	j.id, j.status, j.processing_stage, j.retry_count, j.error_message`

const documentJoin = `FROM documents d LEFT JOIN processing_jobs j ON j.document_id = d.id`

func scanDocument(row pgx.Row) (*model.Document, error) {
	var (
		doc          model.Document
		processedKey sql.NullString
		jobID        sql.NullString
		jobState     sql.NullString
		stage        sql.NullString
		retries      sql.NullInt32
		errMsg       sql.NullString
	)
	if err := row.Scan(&doc.ID, &doc.OriginalFilename, &doc.Size, &doc.ContentType, &doc.ObjectKey,
		&processedKey, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt,
		&jobID, &jobState, &stage, &retries, &errMsg); err != nil {
		return nil, err
	}
	doc.ProcessedKey = processedKey.String
	if jobID.Valid {
		doc.ProcessingJob = &model.ProcessingJob{
			ID:              jobID.String,
			Status:          model.JobStatus(jobState.String),
			ProcessingStage: stage.String,
			RetryCount:      int(retries.Int32),
			ErrorMessage:    errMsg.String,
		}
	}
	return &doc, nil
}

// GetDocument returns a document with its processing job, if any.
func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` `+documentJoin+` WHERE d.id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) queryDocuments(ctx context.Context, where string, args ...any) ([]model.Document, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` `+documentJoin+` `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// ListDocuments returns the authoritative full list, newest first.
func (r *DocumentRepository) ListDocuments(ctx context.Context) ([]model.Document, error) {
	return r.queryDocuments(ctx, `ORDER BY d.created_at DESC`)
}

// ActiveJobs returns documents whose processing job still needs observation.
func (r *DocumentRepository) ActiveJobs(ctx context.Context) ([]model.Document, error) {
	return r.queryDocuments(ctx,
		`WHERE j.status IN ('pending','processing','retry_pending') ORDER BY d.created_at`)
}

// RecentlyCompleted returns documents whose job reached a terminal status
// after the given instant.
func (r *DocumentRepository) RecentlyCompleted(ctx context.Context, since time.Time) ([]model.Document, error) {
	return r.queryDocuments(ctx,
		`WHERE j.status IN ('processed','error') AND j.updated_at >= $1 ORDER BY j.updated_at DESC`, since)
}

// BeginProcessing flips an uploading document to processing and creates its
// pending job row. The status check and the flip happen in one statement so
// two racing completion calls cannot both win.
func (r *DocumentRepository) BeginProcessing(ctx context.Context, docID string) (*model.ProcessingJob, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4
	`, model.DocStatusProcessing, now, docID, model.DocStatusUploading)
	if err != nil {
		return nil, fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDocument(ctx, docID); err != nil {
			return nil, err
		}
		return nil, ErrNotUploading
	}
	job := &model.ProcessingJob{
		ID:     uuid.NewString(),
		Status: model.JobStatusPending,
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, document_id, status, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,0,$4,$5)
	`, job.ID, docID, job.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert processing job: %w", err)
	}
	return job, nil
}

// SetJobProgress records the worker's current stage.
func (r *DocumentRepository) SetJobProgress(ctx context.Context, docID string, status model.JobStatus, stage string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status=$1, processing_stage=$2, updated_at=$3 WHERE document_id=$4
	`, status, stage, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// BumpJobRetry marks the job retry_pending and increments its retry counter.
func (r *DocumentRepository) BumpJobRetry(ctx context.Context, docID string, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status=$1, retry_count=retry_count+1, error_message=$2, updated_at=$3
		WHERE document_id=$4
	`, model.JobStatusRetryPending, msg, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("bump job retry: %w", err)
	}
	return nil
}

// CompleteDocument records a processed artifact and resolves the job.
func (r *DocumentRepository) CompleteDocument(ctx context.Context, docID, processedKey string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET status=$1, processed_key=$2, updated_at=$3 WHERE id=$4
	`, model.DocStatusCompleted, processedKey, now, docID)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status=$1, processing_stage='', updated_at=$2 WHERE document_id=$3
	`, model.JobStatusProcessed, now, docID)
	if err != nil {
		return fmt.Errorf("complete processing job: %w", err)
	}
	return nil
}

// FailDocument resolves the document and its job as failed.
func (r *DocumentRepository) FailDocument(ctx context.Context, docID, msg string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET status=$1, updated_at=$2 WHERE id=$3
	`, model.DocStatusError, now, docID)
	if err != nil {
		return fmt.Errorf("fail document: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status=$1, error_message=$2, updated_at=$3 WHERE document_id=$4
	`, model.JobStatusError, msg, now, docID)
	if err != nil {
		return fmt.Errorf("fail processing job: %w", err)
	}
	return nil
}

// TotalStoredBytes sums the sizes counted against the account quota.
func (r *DocumentRepository) TotalStoredBytes(ctx context.Context) (int64, error) {
	var total int64
	row := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size),0) FROM documents WHERE status <> $1`, model.DocStatusError)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum stored bytes: %w", err)
	}
	return total, nil
}

// ExpireStaleUploads fails documents stuck in uploading since before cutoff.
// Their clients went away without confirming completion.
func (r *DocumentRepository) ExpireStaleUploads(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET status=$1, updated_at=$2 WHERE status=$3 AND created_at < $4
	`, model.DocStatusError, time.Now().UTC(), model.DocStatusUploading, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale uploads: %w", err)
	}
	return tag.RowsAffected(), nil
}
