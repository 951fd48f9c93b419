// Package model contains the document and processing-job shapes shared by the
// client engine and the backend.
package model

import (
	"strings"
	"time"
)

// DocumentStatus describes where a document sits in its lifecycle, from the
// moment a signed upload URL is issued until the processing pipeline has made
// the content searchable.
type DocumentStatus string

const (
	DocStatusUploading  DocumentStatus = "uploading"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusError      DocumentStatus = "error"
)

// Terminal reports whether no further server-side transitions are expected.
func (s DocumentStatus) Terminal() bool {
	return s == DocStatusCompleted || s == DocStatusError
}

// JobStatus describes one processing job inside the pipeline.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusRetryPending JobStatus = "retry_pending"
	JobStatusProcessed    JobStatus = "processed"
	JobStatusError        JobStatus = "error"
)

// Active reports whether the job still needs observation.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusRetryPending
}

// ProcessingJob is the pipeline sub-record attached to a document while it is
// being chunked and indexed.
type ProcessingJob struct {
	ID              string    `json:"id"`
	Status          JobStatus `json:"status"`
	ProcessingStage string    `json:"processingStage,omitempty"`
	RetryCount      int       `json:"retryCount"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// LocalIDPrefix marks client-originated placeholder documents. A document
// whose id carries this prefix has not been confirmed by the server yet.
const LocalIDPrefix = "local-"

// Document is a row in the registry. Optimistic placeholders reuse the same
// shape so the merged list renders uniformly.
type Document struct {
	ID               string         `json:"id"`
	OriginalFilename string         `json:"originalFilename"`
	Size             int64          `json:"size,omitempty"`
	ContentType      string         `json:"contentType,omitempty"`
	ObjectKey        string         `json:"-"`
	ProcessedKey     string         `json:"-"`
	Status           DocumentStatus `json:"status"`
	ProcessingJob    *ProcessingJob `json:"processingJob,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Optimistic reports whether the document is a client-local placeholder.
func (d Document) Optimistic() bool {
	return strings.HasPrefix(d.ID, LocalIDPrefix)
}
