// Package docview maintains the merged document list: the authoritative
// server rows plus client-created optimistic placeholders that have not been
// shadowed by a real document yet.
package docview

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralin/docflow/internal/model"
)

// Merge combines server documents with the optimistic placeholders that no
// server row shadows. A placeholder is shadowed the moment a server document
// shares its originalFilename; filename is the dedup key because placeholders
// exist before a server id does. The merged view never shows two entries for
// the same underlying upload.
func Merge(server, optimistic []model.Document) []model.Document {
	seen := make(map[string]struct{}, len(server))
	for _, d := range server {
		seen[d.OriginalFilename] = struct{}{}
	}
	out := make([]model.Document, 0, len(server)+len(optimistic))
	out = append(out, server...)
	for _, d := range optimistic {
		if _, shadowed := seen[d.OriginalFilename]; !shadowed {
			out = append(out, d)
		}
	}
	return out
}

type optimisticEntry struct {
	doc     model.Document
	created time.Time
}

// Store is the single shared document list the UI renders and the reconciler
// updates. All mutations are keyed by document id or filename rather than
// replacing the list from a captured reference.
type Store struct {
	mu         sync.RWMutex
	server     []model.Document
	optimistic []optimisticEntry
	ttl        time.Duration
	lastUpdate time.Time

	now func() time.Time
}

// NewStore builds a Store. ttl bounds how long an unmatched optimistic
// placeholder may live; it is the fallback against a missed reconciliation.
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now}
}

// AddOptimistic inserts a placeholder for a file the user just queued, shown
// instantly while the server has not confirmed anything.
func (s *Store) AddOptimistic(filename string, size int64, contentType string) model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	doc := model.Document{
		ID:               model.LocalIDPrefix + uuid.NewString(),
		OriginalFilename: filename,
		Size:             size,
		ContentType:      contentType,
		Status:           model.DocStatusUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.optimistic = append(s.optimistic, optimisticEntry{doc: doc, created: now})
	s.lastUpdate = now
	return doc
}

// SetServerDocuments replaces the authoritative list, e.g. after a full
// refresh. Placeholders shadowed by the new list are dropped.
func (s *Store) SetServerDocuments(docs []model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = append([]model.Document(nil), docs...)
	names := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		names[d.OriginalFilename] = struct{}{}
	}
	s.dropOptimisticLocked(names)
	s.lastUpdate = s.now().UTC()
}

// ApplyJobUpdates merges a batch of feed documents into the list by document
// id, preserving fields the update payload does not carry. Documents the
// client has never seen are appended. Placeholders matching any updated
// filename are dropped.
func (s *Store) ApplyJobUpdates(updates []model.Document) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := make(map[string]int, len(s.server))
	for i, d := range s.server {
		index[d.ID] = i
	}
	names := make(map[string]struct{}, len(updates))
	for _, upd := range updates {
		if upd.OriginalFilename != "" {
			names[upd.OriginalFilename] = struct{}{}
		}
		i, ok := index[upd.ID]
		if !ok {
			s.server = append(s.server, upd)
			index[upd.ID] = len(s.server) - 1
			continue
		}
		existing := &s.server[i]
		if upd.Status != "" {
			existing.Status = upd.Status
		}
		if upd.ProcessingJob != nil {
			existing.ProcessingJob = upd.ProcessingJob
		}
		if upd.OriginalFilename != "" {
			existing.OriginalFilename = upd.OriginalFilename
		}
		if !upd.UpdatedAt.IsZero() {
			existing.UpdatedAt = upd.UpdatedAt
		}
	}
	s.dropOptimisticLocked(names)
	s.lastUpdate = s.now().UTC()
}

// DropOptimisticByFilename removes placeholders whose filename appears in
// names.
func (s *Store) DropOptimisticByFilename(names map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOptimisticLocked(names)
}

func (s *Store) dropOptimisticLocked(names map[string]struct{}) {
	kept := s.optimistic[:0]
	for _, e := range s.optimistic {
		if _, match := names[e.doc.OriginalFilename]; match {
			continue
		}
		kept = append(kept, e)
	}
	s.optimistic = kept
}

// Documents returns the merged view, recomputed on every call. Expired
// placeholders are force-removed even without a server match.
func (s *Store) Documents() []model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	optimistic := make([]model.Document, len(s.optimistic))
	for i, e := range s.optimistic {
		optimistic[i] = e.doc
	}
	return Merge(s.server, optimistic)
}

func (s *Store) expireLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	kept := s.optimistic[:0]
	for _, e := range s.optimistic {
		if e.created.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.optimistic = kept
}

// HasNonTerminal reports whether any document, server-known or optimistic,
// still has server-side work pending. The reconciler polls while this holds.
func (s *Store) HasNonTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if len(s.optimistic) > 0 {
		return true
	}
	for _, d := range s.server {
		if !d.Status.Terminal() {
			return true
		}
		if d.ProcessingJob != nil && d.ProcessingJob.Status.Active() {
			return true
		}
	}
	return false
}

// LastUpdate reports when the list last changed, for the "live" indicator.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
