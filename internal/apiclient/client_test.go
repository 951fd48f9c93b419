package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seralin/docflow/internal/model"
)

func TestCreateUploadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload-url" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var req UploadURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.FileName != "report.pdf" || req.FileSize != 2048 {
			t.Errorf("unexpected request payload: %+v", req)
		}
		json.NewEncoder(w).Encode(UploadURLResponse{DocumentID: "doc-1", UploadURL: "http://storage/put"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAuthToken("tok"))
	out, err := c.CreateUploadURL(context.Background(), UploadURLRequest{
		FileName:    "report.pdf",
		FileSize:    2048,
		ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("create upload url: %v", err)
	}
	if out.DocumentID != "doc-1" || out.UploadURL != "http://storage/put" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestCreateUploadURLClassifiesStorageLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "storage limit exceeded", "current": 950, "limit": 1000, "tier": "free",
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreateUploadURL(context.Background(), UploadURLRequest{FileName: "a"})
	var limitErr *StorageLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected StorageLimitError, got %v", err)
	}
	if limitErr.Current != 950 || limitErr.Limit != 1000 || limitErr.Tier != "free" {
		t.Fatalf("usage figures not carried: %+v", limitErr)
	}
}

func TestCompleteUploadClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "transient state",
			status: http.StatusBadRequest,
			body:   `{"error":"document is not in uploading state"}`,
			check: func(t *testing.T, err error) {
				if !Transient(err) {
					t.Fatalf("expected transient classification, got %v", err)
				}
			},
		},
		{
			name:   "timed out",
			status: http.StatusBadRequest,
			body:   `{"error":"upload timed out"}`,
			check: func(t *testing.T, err error) {
				if !Transient(err) {
					t.Fatalf("expected transient classification, got %v", err)
				}
			},
		},
		{
			name:   "auth",
			status: http.StatusUnauthorized,
			body:   `{"error":"session expired"}`,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("expected AuthError, got %v", err)
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error":"document not found"}`,
			check: func(t *testing.T, err error) {
				var nfErr *NotFoundError
				if !errors.As(err, &nfErr) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
				if nfErr.DocumentID != "doc-1" {
					t.Fatalf("expected document id carried, got %q", nfErr.DocumentID)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `bad gateway`,
			check: func(t *testing.T, err error) {
				var srvErr *ServerError
				if !errors.As(err, &srvErr) {
					t.Fatalf("expected ServerError, got %v", err)
				}
				if srvErr.StatusCode != http.StatusBadGateway {
					t.Fatalf("expected 502 carried, got %d", srvErr.StatusCode)
				}
				if Transient(err) {
					t.Fatalf("server errors must not be retried by the completion loop")
				}
			},
		},
		{
			name:   "unknown message",
			status: http.StatusBadRequest,
			body:   `{"error":"document is corrupted"}`,
			check: func(t *testing.T, err error) {
				if err == nil || !strings.Contains(err.Error(), "document is corrupted") {
					t.Fatalf("expected the server message surfaced, got %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()
			err := New(srv.URL).CompleteUpload(context.Background(), "doc-1")
			if err == nil {
				t.Fatalf("expected error")
			}
			tc.check(t, err)
		})
	}
}

func TestTransferFileReportsProgress(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.ContentLength != int64(len(payload)) {
			t.Errorf("content length not set, got %d", r.ContentLength)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != len(payload) {
			t.Errorf("expected %d bytes, got %d", len(payload), len(body))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var last int
	var monotonic = true
	err := New(srv.URL).TransferFile(context.Background(), srv.URL, strings.NewReader(payload), int64(len(payload)), "text/plain", func(p int) {
		if p < last {
			monotonic = false
		}
		last = p
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if last != 100 {
		t.Fatalf("expected final progress 100, got %d", last)
	}
	if !monotonic {
		t.Fatalf("progress went backwards")
	}
}

func TestProcessingStatusIncludeRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/processing-status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("includeRecent") != "true" {
			t.Errorf("expected includeRecent=true, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(ProcessingStatusResponse{
			ActiveJobs: []model.Document{{
				ID:            "srv-1",
				Status:        model.DocStatusProcessing,
				ProcessingJob: &model.ProcessingJob{ID: "job-1", Status: model.JobStatusProcessing},
			}},
			RecentlyCompleted: []model.Document{},
		})
	}))
	defer srv.Close()

	out, err := New(srv.URL).ProcessingStatus(context.Background(), true)
	if err != nil {
		t.Fatalf("processing status: %v", err)
	}
	if len(out.ActiveJobs) != 1 || out.ActiveJobs[0].ProcessingJob.Status != model.JobStatusProcessing {
		t.Fatalf("unexpected feed: %+v", out)
	}
}

func TestListDocumentsUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"documents":[{"id":"srv-1","originalFilename":"a.pdf","status":"completed"}]}`)
	}))
	defer srv.Close()

	docs, err := New(srv.URL).ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "srv-1" || docs[0].Status != model.DocStatusCompleted {
		t.Fatalf("unexpected documents: %+v", docs)
	}
}

func TestProgressReaderWholePercents(t *testing.T) {
	var reports []int
	pr := &progressReader{
		r:      strings.NewReader(strings.Repeat("a", 200)),
		total:  200,
		report: func(p int) { reports = append(reports, p) },
	}
	buf := make([]byte, 50)
	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	want := []int{25, 50, 75, 100}
	if len(reports) != len(want) {
		t.Fatalf("expected %v, got %v", want, reports)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, reports)
		}
	}
}
