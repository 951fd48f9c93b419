// Package apiclient is the typed HTTP client for the docflow backend. It is
// the only place that talks to the upload, completion, and status endpoints,
// and it classifies every failure into the error taxonomy before returning so
// callers never parse free-text messages.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/seralin/docflow/internal/model"
)

// Client talks to the processing backend and object storage.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthToken attaches a bearer token to backend requests.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New creates a Client for the given backend base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadURLRequest asks the backend for a signed upload target.
type UploadURLRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// UploadURLResponse carries the registry id and the signed PUT URL.
type UploadURLResponse struct {
	DocumentID string `json:"documentId"`
	UploadURL  string `json:"uploadUrl"`
}

// ProcessingStatusResponse is the live processing feed.
type ProcessingStatusResponse struct {
	ActiveJobs        []model.Document `json:"activeJobs"`
	RecentlyCompleted []model.Document `json:"recentlyCompleted"`
}

// CreateUploadURL registers the upcoming upload and returns a signed target.
func (c *Client) CreateUploadURL(ctx context.Context, req UploadURLRequest) (*UploadURLResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upload-url request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-url", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upload-url request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp, "")
	}
	var out UploadURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload-url response: %w", err)
	}
	return &out, nil
}

// TransferFile streams the file body to the signed URL with a raw binary PUT.
// onProgress receives the raw transfer percentage (0-100) as bytes move; the
// caller maps it into whatever band its overall progress uses. Cancelling ctx
// aborts the transfer mid-stream and yields ErrCancelled.
func (c *Client) TransferFile(ctx context.Context, uploadURL string, src io.Reader, size int64, contentType string, onProgress func(int)) error {
	body := io.Reader(src)
	if onProgress != nil && size > 0 {
		body = &progressReader{r: src, total: size, report: onProgress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("build transfer request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp, "")
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// CompleteUpload confirms the transfer so the backend can hand the document
// to the processing pipeline. The call is idempotent on the server side.
func (c *Client) CompleteUpload(ctx context.Context, documentID string) error {
	url := fmt.Sprintf("%s/documents/%s/complete", c.baseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build complete request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyResponse(resp, documentID)
	}
	return nil
}

// ProcessingStatus fetches the live job feed.
func (c *Client) ProcessingStatus(ctx context.Context, includeRecent bool) (*ProcessingStatusResponse, error) {
	url := c.baseURL + "/documents/processing-status"
	if includeRecent {
		url += "?includeRecent=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp, "")
	}
	var out ProcessingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// ListDocuments fetches the authoritative full document list.
func (c *Client) ListDocuments(ctx context.Context) ([]model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/documents", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp, "")
	}
	var out struct {
		Documents []model.Document `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return out.Documents, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// errorBody is the JSON error envelope the backend emits.
type errorBody struct {
	Error       string `json:"error"`
	Current     int64  `json:"current,omitempty"`
	Limit       int64  `json:"limit,omitempty"`
	Tier        string `json:"tier,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return fmt.Errorf("network error: %w", err)
}

// classifyResponse maps an HTTP error response onto the typed taxonomy. The
// body is inspected at most once; unknown shapes fall through to a generic
// wrapped error.
func classifyResponse(resp *http.Response, documentID string) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	msg := strings.ToLower(body.Error)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{DocumentID: documentID}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode}
	case strings.Contains(msg, "storage limit"):
		return &StorageLimitError{Current: body.Current, Limit: body.Limit, Tier: body.Tier}
	case strings.Contains(msg, "not in uploading state"), strings.Contains(msg, "timed out"):
		return &TransientStateError{Reason: body.Error}
	case strings.Contains(msg, "file type"):
		return &FileTypeError{ContentType: body.ContentType}
	case strings.Contains(msg, "file size"), strings.Contains(msg, "too large"):
		return &FileSizeError{Size: body.Current, Limit: body.Limit}
	case body.Error != "":
		return fmt.Errorf("upload failed: %s", body.Error)
	default:
		return fmt.Errorf("upload failed: HTTP %d", resp.StatusCode)
	}
}

// progressReader counts bytes as the HTTP transport drains the request body
// and reports whole-percent changes.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		percent := int(p.read * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.report(percent)
		}
	}
	return n, err
}
