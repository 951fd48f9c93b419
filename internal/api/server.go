// Package api exposes the backend HTTP surface the client engine consumes:
// signed upload targets, completion confirmation, the processing-status feed,
// and the authoritative document list.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralin/docflow/internal/config"
	"github.com/seralin/docflow/internal/model"
	"github.com/seralin/docflow/internal/queue"
	"github.com/seralin/docflow/internal/repository"
	"github.com/seralin/docflow/internal/signing"
	"github.com/seralin/docflow/internal/storage"
)

// Registry is the slice of the document registry the API server needs. Both
// the postgres repository and the in-memory registry satisfy it.
type Registry interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context) ([]model.Document, error)
	BeginProcessing(ctx context.Context, docID string) (*model.ProcessingJob, error)
	ActiveJobs(ctx context.Context) ([]model.Document, error)
	RecentlyCompleted(ctx context.Context, since time.Time) ([]model.Document, error)
	TotalStoredBytes(ctx context.Context) (int64, error)
	ExpireStaleUploads(ctx context.Context, cutoff time.Time) (int64, error)
}

// UploadStore issues upload targets and verifies the bytes arrived. MinIO
// presigning implements it in production; dev mode serves the PUT itself.
type UploadStore interface {
	PresignUpload(ctx context.Context, objectKey string) (string, error)
	StatUpload(ctx context.Context, objectKey string) (int64, error)
}

// Server hosts the backend endpoints.
type Server struct {
	cfg      *config.Config
	registry Registry
	uploads  UploadStore
	pipeline queue.Enqueuer
	server   *http.Server
	once     sync.Once

	// Dev-mode byte hosting; nil when uploads presign against MinIO.
	localBlobs *storage.MemoryBlobStore
	signer     *signing.Signer
}

// New constructs a Server.
func New(cfg *config.Config, registry Registry, uploads UploadStore, pipeline queue.Enqueuer) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		uploads:  uploads,
		pipeline: pipeline,
	}
}

// EnableLocalUploads makes the server host upload bytes itself, authorized by
// HMAC-signed URLs. Used by the self-contained dev mode and by tests.
func (s *Server) EnableLocalUploads(blobs *storage.MemoryBlobStore, signer *signing.Signer) {
	s.localBlobs = blobs
	s.signer = signer
}

// Handler builds the route table. Exposed separately so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload-url", s.handleUploadURL)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentRoute)
	if s.localBlobs != nil {
		mux.HandleFunc("/uploads/local", s.handleLocalUpload)
	}
	return corsMiddleware(loggingMiddleware(s.authMiddleware(mux)))
}

// Run starts the HTTP server plus the stale-upload sweeper and blocks until
// the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go s.sweepStaleUploads(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepStaleUploads(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.UploadTimeout)
			expired, err := s.registry.ExpireStaleUploads(ctx, cutoff)
			if err != nil {
				log.Printf("expire stale uploads: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("expired %d stale upload(s)", expired)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadURLRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileName == "" || req.FileSize <= 0 {
		respondError(w, http.StatusBadRequest, "fileName and fileSize are required")
		return
	}
	if !s.allowedType(req.ContentType) {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":       "file type not allowed",
			"contentType": req.ContentType,
		})
		return
	}
	if req.FileSize > s.cfg.MaxFileSize {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "file size exceeds limit",
			"current": req.FileSize,
			"limit":   s.cfg.MaxFileSize,
		})
		return
	}
	used, err := s.registry.TotalStoredBytes(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check storage usage")
		return
	}
	if used+req.FileSize > s.cfg.StorageLimit {
		respondJSON(w, http.StatusForbidden, map[string]any{
			"error":   "storage limit exceeded",
			"current": used,
			"limit":   s.cfg.StorageLimit,
			"tier":    s.cfg.StorageTier,
		})
		return
	}

	docID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", docID, filepath.Base(req.FileName))
	doc := &model.Document{
		ID:               docID,
		OriginalFilename: req.FileName,
		Size:             req.FileSize,
		ContentType:      req.ContentType,
		ObjectKey:        objectKey,
	}
	if err := s.registry.CreateDocument(ctx, doc); err != nil {
		log.Printf("create document: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to register upload")
		return
	}
	uploadURL, err := s.uploads.PresignUpload(ctx, objectKey)
	if err != nil {
		log.Printf("presign upload: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to create upload url")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"documentId": docID,
		"uploadUrl":  uploadURL,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docs, err := s.registry.ListDocuments(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if parts[0] == "processing-status" {
		s.handleProcessingStatus(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDocument(w, r, id)
		return
	}
	if parts[1] == "complete" {
		s.handleComplete(w, r, id)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.registry.GetDocument(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// handleComplete confirms that the upload's bytes landed and hands the
// document to the processing pipeline. Idempotent: confirming an
// already-processing document succeeds. The 400 bodies distinguish the
// retriable timing races from permanent refusals.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	doc, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}
	switch doc.Status {
	case model.DocStatusProcessing, model.DocStatusCompleted:
		respondJSON(w, http.StatusOK, map[string]string{
			"documentId": doc.ID,
			"status":     string(doc.Status),
		})
		return
	case model.DocStatusError:
		respondError(w, http.StatusBadRequest, "document is not in uploading state")
		return
	}

	if _, err := s.uploads.StatUpload(ctx, doc.ObjectKey); err != nil {
		if errors.Is(err, storage.ErrObjectMissing) {
			// The transfer may still be settling in object storage.
			respondError(w, http.StatusBadRequest, "upload timed out")
			return
		}
		log.Printf("stat upload %s: %v", doc.ObjectKey, err)
		respondError(w, http.StatusInternalServerError, "failed to verify upload")
		return
	}

	job, err := s.registry.BeginProcessing(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotUploading) {
			// Lost the race to a concurrent confirmation; report the
			// current state instead.
			if doc, gerr := s.registry.GetDocument(ctx, id); gerr == nil && doc.Status != model.DocStatusError {
				respondJSON(w, http.StatusOK, map[string]string{
					"documentId": doc.ID,
					"status":     string(doc.Status),
				})
				return
			}
			respondError(w, http.StatusBadRequest, "document is not in uploading state")
			return
		}
		log.Printf("begin processing %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}
	payload := queue.ProcessPayload{
		DocumentID: doc.ID,
		JobID:      job.ID,
		ObjectKey:  doc.ObjectKey,
		FileName:   doc.OriginalFilename,
	}
	if err := s.pipeline.EnqueueProcess(ctx, payload); err != nil {
		log.Printf("enqueue processing %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "failed to queue processing")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"documentId": doc.ID,
		"status":     string(model.DocStatusProcessing),
	})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	active, err := s.registry.ActiveJobs(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list active jobs")
		return
	}
	recent := []model.Document{}
	if r.URL.Query().Get("includeRecent") == "true" {
		since := time.Now().UTC().Add(-s.cfg.RecentWindow)
		recent, err = s.registry.RecentlyCompleted(ctx, since)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list recent jobs")
			return
		}
	}
	if active == nil {
		active = []model.Document{}
	}
	if recent == nil {
		recent = []model.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"activeJobs":        active,
		"recentlyCompleted": recent,
	})
}

// handleLocalUpload receives the raw PUT in dev mode, authorized by the HMAC
// signature embedded in the upload URL.
func (s *Server) handleLocalUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	key, expires, signature := q.Get("key"), q.Get("expires"), q.Get("signature")
	if key == "" || expires == "" || signature == "" {
		respondError(w, http.StatusBadRequest, "missing parameters")
		return
	}
	if !s.signer.Validate(key, expires, signature) {
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	s.localBlobs.PutRaw(key, data)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) allowedType(contentType string) bool {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, allowed := range s.cfg.AllowedTypes {
		if strings.EqualFold(allowed, base) {
			return true
		}
	}
	return false
}

// authMiddleware enforces the bearer token when one is configured. The byte
// transfer endpoint is exempt; its URLs carry their own signature.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || r.URL.Path == "/uploads/local" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIToken {
			respondError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LocalUploadStore issues HMAC-signed URLs pointing back at the server's own
// /uploads/local endpoint.
type LocalUploadStore struct {
	Blobs   *storage.MemoryBlobStore
	Signer  *signing.Signer
	BaseURL string
	TTL     time.Duration
}

// PresignUpload builds the signed local upload URL.
func (l *LocalUploadStore) PresignUpload(_ context.Context, objectKey string) (string, error) {
	expires := time.Now().Add(l.TTL).Unix()
	sig := l.Signer.Sign(objectKey, expires)
	return fmt.Sprintf("%s/uploads/local?key=%s&expires=%d&signature=%s",
		strings.TrimRight(l.BaseURL, "/"), url.QueryEscape(objectKey), expires, sig), nil
}

// StatUpload reports whether the bytes arrived.
func (l *LocalUploadStore) StatUpload(ctx context.Context, objectKey string) (int64, error) {
	return l.Blobs.StatUpload(ctx, objectKey)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
