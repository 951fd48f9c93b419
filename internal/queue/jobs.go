package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessDocumentTask is scheduled each time an upload is confirmed.
	ProcessDocumentTask = "document:process"
)

// ProcessPayload is serialized into the task payload so the worker knows
// which object to download and which registry row to advance.
type ProcessPayload struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
	ObjectKey  string `json:"object_key"`
	FileName   string `json:"file_name"`
}

// Enqueuer hands confirmed uploads to the processing pipeline. The asynq
// client implements it in production; dev mode substitutes an in-process
// pool.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, payload ProcessPayload) error
}

// Client wraps an asynq.Client as an Enqueuer.
type Client struct {
	inner *asynq.Client
}

// NewClient builds an Enqueuer on top of asynq.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueProcess enqueues a document-processing job.
func (c *Client) EnqueueProcess(ctx context.Context, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessDocumentTask, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
