// Package uploader implements the client-side upload engine: admission
// checks, the per-file three-step upload protocol, and the bounded-concurrency
// queue that drives every file through its lifecycle.
package uploader

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ItemStatus is the state machine for one queued file.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusUploading ItemStatus = "uploading"
	StatusCompleted ItemStatus = "completed"
	StatusError     ItemStatus = "error"
	StatusCancelled ItemStatus = "cancelled"
	StatusPaused    ItemStatus = "paused"
)

// Resolved reports whether the item has reached a terminal status.
func (s ItemStatus) Resolved() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// File is the binary payload plus the metadata the backend needs. Open is
// called once per upload attempt so a retried file re-reads from the source.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FileFromPath builds a File backed by the filesystem. The content type is
// taken from the extension and falls back to sniffing the first 512 bytes.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = sniffContentType(path)
	}
	return File{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func sniffContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return http.DetectContentType(buf[:n])
}

// Item tracks one file's upload journey. Items are created at admission time
// and mutated only through the orchestrator's serialized update path; once a
// terminal status is reached the item is never mutated again (a user retry
// re-admits the file as a fresh item).
type Item struct {
	ID            string     `json:"id"`
	File          File       `json:"-"`
	FileName      string     `json:"fileName"`
	FileSize      int64      `json:"fileSize"`
	Status        ItemStatus `json:"status"`
	Progress      int        `json:"progress"`
	DocumentID    string     `json:"documentId,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retryCount"`
	StartTime     time.Time  `json:"startTime,omitempty"`
	CompletedTime time.Time  `json:"completedTime,omitempty"`
}

// Duration reports how long the upload ran, zero until the item resolves.
func (it Item) Duration() time.Duration {
	if it.StartTime.IsZero() || it.CompletedTime.IsZero() {
		return 0
	}
	return it.CompletedTime.Sub(it.StartTime)
}

// GlobalStatus is the aggregate state of the whole queue.
type GlobalStatus string

const (
	GlobalIdle      GlobalStatus = "idle"
	GlobalUploading GlobalStatus = "uploading"
	GlobalCompleted GlobalStatus = "completed"
	GlobalError     GlobalStatus = "error"
)

// Progress is the aggregate recomputed after every item mutation. Failed and
// cancelled items contribute 0 to the mean rather than being excluded, so the
// overall figure never overstates completion.
type Progress struct {
	TotalFiles      int `json:"totalFiles"`
	CompletedFiles  int `json:"completedFiles"`
	FailedFiles     int `json:"failedFiles"`
	OverallProgress int `json:"overallProgress"`
}

// Snapshot is the observable pair the UI renders from.
type Snapshot struct {
	Items        []Item       `json:"items"`
	Progress     Progress     `json:"progress"`
	GlobalStatus GlobalStatus `json:"globalStatus"`
}
