// Package reconciler polls the processing-status feed and folds it into the
// document store: detecting job transitions, emitting each user notification
// at most once, and stopping itself when nothing is left to watch.
package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/seralin/docflow/internal/apiclient"
	"github.com/seralin/docflow/internal/docview"
	"github.com/seralin/docflow/internal/model"
)

// StatusSource is the slice of the API client the reconciler needs.
type StatusSource interface {
	ProcessingStatus(ctx context.Context, includeRecent bool) (*apiclient.ProcessingStatusResponse, error)
	ListDocuments(ctx context.Context) ([]model.Document, error)
}

// Notifier receives the success/failure toasts for job transitions.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Reconciler runs one polling session at a time: idle → polling → idle. The
// session state (previously observed statuses, already-notified transitions)
// lives only for the session and is cleared when polling stops.
type Reconciler struct {
	source   StatusSource
	store    *docview.Store
	notifier Notifier
	interval time.Duration

	mu       sync.Mutex
	polling  bool
	visible  bool
	prev     map[string]model.JobStatus
	notified map[string]struct{}
	stop     chan struct{}
	kick     chan struct{}
}

// New builds a Reconciler around the shared document store.
func New(source StatusSource, store *docview.Store, notifier Notifier, interval time.Duration) *Reconciler {
	return &Reconciler{
		source:   source,
		store:    store,
		notifier: notifier,
		interval: interval,
		visible:  true,
	}
}

// EnsurePolling starts a polling session if one is not already running and
// any document still has server-side work pending. Calling it while a session
// runs is a no-op.
func (r *Reconciler) EnsurePolling(ctx context.Context) {
	r.mu.Lock()
	if r.polling || !r.store.HasNonTerminal() {
		r.mu.Unlock()
		return
	}
	r.polling = true
	r.prev = make(map[string]model.JobStatus)
	r.notified = make(map[string]struct{})
	r.stop = make(chan struct{})
	r.kick = make(chan struct{}, 1)
	stop, kick := r.stop, r.kick
	r.mu.Unlock()
	go r.loop(ctx, stop, kick)
}

// Stop ends the current polling session, if any.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// stopSession ends the session owning stop. A loop whose session already
// ended must not tear down a newer session started in the meantime.
func (r *Reconciler) stopSession(stop chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == stop {
		r.stopLocked()
	}
}

func (r *Reconciler) stopLocked() {
	if !r.polling {
		return
	}
	r.polling = false
	close(r.stop)
	// Session-scoped state dies with the session, bounding memory.
	r.prev = nil
	r.notified = nil
}

// IsPolling reports whether a session is active, for the "live" indicator.
func (r *Reconciler) IsPolling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polling
}

// SetVisible gates polling on page/terminal visibility. While hidden, ticks
// are suspended entirely; regaining visibility triggers an immediate poll.
func (r *Reconciler) SetVisible(visible bool) {
	r.mu.Lock()
	wasVisible := r.visible
	r.visible = visible
	kick := r.kick
	polling := r.polling
	r.mu.Unlock()
	if visible && !wasVisible && polling && kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (r *Reconciler) loop(ctx context.Context, stop, kick chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopSession(stop)
			return
		case <-stop:
			return
		case <-kick:
			r.tick(ctx)
		case <-ticker.C:
			r.mu.Lock()
			visible := r.visible
			r.mu.Unlock()
			if visible {
				r.tick(ctx)
			}
		}
	}
}

// tick performs one poll: fetch the feed, detect transitions, notify once per
// (job, status), apply a single batched update to the document list, and stop
// the session when no active jobs remain. A failed tick is logged and retried
// on the next interval; it never kills the session.
func (r *Reconciler) tick(ctx context.Context) {
	resp, err := r.source.ProcessingStatus(ctx, true)
	if err != nil {
		log.Printf("poll processing status: %v", err)
		return
	}

	updates := make([]model.Document, 0, len(resp.ActiveJobs)+len(resp.RecentlyCompleted))
	updates = append(updates, resp.ActiveJobs...)
	updates = append(updates, resp.RecentlyCompleted...)

	r.mu.Lock()
	if !r.polling {
		r.mu.Unlock()
		return
	}
	for _, doc := range updates {
		job := doc.ProcessingJob
		if job == nil {
			continue
		}
		previous, observed := r.prev[doc.ID]
		r.prev[doc.ID] = job.Status
		// The first observation is never a transition; that suppresses
		// false notifications on initial load.
		if !observed || previous == job.Status {
			continue
		}
		if !previous.Active() {
			continue
		}
		key := job.ID + "#" + string(job.Status)
		if _, done := r.notified[key]; done {
			continue
		}
		switch job.Status {
		case model.JobStatusProcessed:
			r.notified[key] = struct{}{}
			r.notifier.Success(doc.OriginalFilename + " is ready to search")
		case model.JobStatusError:
			r.notified[key] = struct{}{}
			msg := doc.OriginalFilename + " failed to process"
			if job.ErrorMessage != "" {
				msg += ": " + job.ErrorMessage
			}
			r.notifier.Error(msg)
		}
	}
	sessionDone := len(resp.ActiveJobs) == 0
	if sessionDone {
		r.stopLocked()
	}
	r.mu.Unlock()

	// One batched merge per tick; it also drops any optimistic placeholder
	// whose filename now matches a job in the update set.
	r.store.ApplyJobUpdates(updates)

	if sessionDone {
		// Pick up documents outside the "recent" window with one full
		// refresh from the authoritative list.
		docs, err := r.source.ListDocuments(ctx)
		if err != nil {
			log.Printf("refresh document list: %v", err)
			return
		}
		r.store.SetServerDocuments(docs)
	}
}
