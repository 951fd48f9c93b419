package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seralin/docflow/internal/apiclient"
	"github.com/seralin/docflow/internal/docview"
	"github.com/seralin/docflow/internal/model"
)

// fakeSource replays scripted feed responses, one per poll. Polls past the
// script repeat the final response.
type fakeSource struct {
	mu        sync.Mutex
	responses []*apiclient.ProcessingStatusResponse
	err       error
	calls     int
	listDocs  []model.Document
	listCalls int
}

func (f *fakeSource) ProcessingStatus(_ context.Context, _ bool) (*apiclient.ProcessingStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeSource) ListDocuments(context.Context) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.listDocs, nil
}

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	n.successes = append(n.successes, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	n.failures = append(n.failures, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() ([]string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...), append([]string(nil), n.failures...)
}

func activeDoc(id, name string, jobStatus model.JobStatus) model.Document {
	status := model.DocStatusProcessing
	if jobStatus == model.JobStatusProcessed {
		status = model.DocStatusCompleted
	}
	return model.Document{
		ID:               id,
		OriginalFilename: name,
		Status:           status,
		ProcessingJob:    &model.ProcessingJob{ID: "job-" + id, Status: jobStatus},
	}
}

func feed(active, recent []model.Document) *apiclient.ProcessingStatusResponse {
	return &apiclient.ProcessingStatusResponse{ActiveJobs: active, RecentlyCompleted: recent}
}

// newSession builds a store with pending work and a reconciler whose ticker
// never fires on its own; tests drive ticks directly.
func newSession(t *testing.T, source *fakeSource, notifier Notifier) (*Reconciler, *docview.Store) {
	t.Helper()
	store := docview.NewStore(time.Minute)
	store.AddOptimistic("report.pdf", 10, "application/pdf")
	r := New(source, store, notifier, time.Hour)
	r.EnsurePolling(context.Background())
	if !r.IsPolling() {
		t.Fatalf("expected a polling session to start")
	}
	return r, store
}

func TestReconcilerNotifiesTransitionExactlyOnce(t *testing.T) {
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessing)}, nil),
			feed(nil, []model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessed)}),
		},
		listDocs: []model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessed)},
	}
	notifier := &recordingNotifier{}
	r, store := newSession(t, source, notifier)
	defer r.Stop()

	r.tick(context.Background())
	if successes, failures := notifier.snapshot(); len(successes) != 0 || len(failures) != 0 {
		t.Fatalf("first observation must not notify: %v %v", successes, failures)
	}

	r.tick(context.Background())
	successes, failures := notifier.snapshot()
	if len(failures) != 0 {
		t.Fatalf("unexpected failure toasts: %v", failures)
	}
	if len(successes) != 1 || successes[0] != "report.pdf is ready to search" {
		t.Fatalf("expected one ready toast, got %v", successes)
	}

	// No active jobs left: the session ends itself and refreshes the full
	// document list.
	if r.IsPolling() {
		t.Fatalf("session must stop once no active jobs remain")
	}
	if source.listCount() != 1 {
		t.Fatalf("expected one full refresh, got %d", source.listCount())
	}
	docs := store.Documents()
	if len(docs) != 1 || docs[0].ID != "srv-1" {
		t.Fatalf("expected the refreshed server list, got %+v", docs)
	}
	if docs[0].Optimistic() {
		t.Fatalf("placeholder survived reconciliation")
	}
}

func TestReconcilerSuppressesInitialLoad(t *testing.T) {
	// A document that is already settled when polling starts must not toast.
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed(nil, []model.Document{activeDoc("srv-1", "old.pdf", model.JobStatusProcessed)}),
		},
		listDocs: []model.Document{activeDoc("srv-1", "old.pdf", model.JobStatusProcessed)},
	}
	notifier := &recordingNotifier{}
	r, _ := newSession(t, source, notifier)
	defer r.Stop()

	r.tick(context.Background())
	if successes, failures := notifier.snapshot(); len(successes) != 0 || len(failures) != 0 {
		t.Fatalf("initial load must not notify: %v %v", successes, failures)
	}
	if r.IsPolling() {
		t.Fatalf("session must stop when nothing is active")
	}
}

func TestReconcilerRepeatedStatusDoesNotRenotify(t *testing.T) {
	// A second job keeps the session alive so the processed row is observed
	// again on later ticks.
	other := activeDoc("srv-2", "slow.pdf", model.JobStatusProcessing)
	done := activeDoc("srv-1", "report.pdf", model.JobStatusProcessed)
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessing), other}, nil),
			feed([]model.Document{other}, []model.Document{done}),
			feed([]model.Document{other}, []model.Document{done}),
		},
	}
	notifier := &recordingNotifier{}
	r, _ := newSession(t, source, notifier)
	defer r.Stop()

	r.tick(context.Background())
	r.tick(context.Background())
	r.tick(context.Background())

	successes, _ := notifier.snapshot()
	if len(successes) != 1 {
		t.Fatalf("expected exactly one toast across repeated observations, got %v", successes)
	}
	if !r.IsPolling() {
		t.Fatalf("session must continue while a job is active")
	}
}

func TestReconcilerErrorTransitionToast(t *testing.T) {
	failed := activeDoc("srv-1", "broken.pdf", model.JobStatusError)
	failed.ProcessingJob.ErrorMessage = "unsupported encoding"
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "broken.pdf", model.JobStatusProcessing)}, nil),
			feed(nil, []model.Document{failed}),
		},
	}
	notifier := &recordingNotifier{}
	r, _ := newSession(t, source, notifier)
	defer r.Stop()

	r.tick(context.Background())
	r.tick(context.Background())

	successes, failures := notifier.snapshot()
	if len(successes) != 0 {
		t.Fatalf("unexpected success toasts: %v", successes)
	}
	if len(failures) != 1 || failures[0] != "broken.pdf failed to process: unsupported encoding" {
		t.Fatalf("unexpected failure toasts: %v", failures)
	}
}

func TestReconcilerSurvivesPollFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("feed unavailable")}
	r, _ := newSession(t, source, &recordingNotifier{})
	defer r.Stop()

	r.tick(context.Background())
	if !r.IsPolling() {
		t.Fatalf("a failed poll must not end the session")
	}
}

func TestEnsurePollingWithoutWorkIsNoop(t *testing.T) {
	store := docview.NewStore(time.Minute)
	r := New(&fakeSource{}, store, &recordingNotifier{}, time.Hour)
	r.EnsurePolling(context.Background())
	if r.IsPolling() {
		t.Fatalf("no pending work, no session")
	}
}

func TestStaleLoopShutdownSparesNewSession(t *testing.T) {
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessing)}, nil),
		},
	}
	r, _ := newSession(t, source, &recordingNotifier{})

	r.mu.Lock()
	firstStop := r.stop
	r.mu.Unlock()

	// The first session ends and a second one starts before the first
	// session's loop gets around to observing its cancelled context.
	r.Stop()
	if r.IsPolling() {
		t.Fatalf("expected the first session stopped")
	}
	r.EnsurePolling(context.Background())
	if !r.IsPolling() {
		t.Fatalf("expected a second session to start")
	}
	defer r.Stop()

	// The late shutdown from the first session is scoped to its own stop
	// channel and must leave the second session running.
	r.stopSession(firstStop)
	if !r.IsPolling() {
		t.Fatalf("a shutdown from an ended session must not stop the current one")
	}
}

func TestContextCancellationStopsOwnSession(t *testing.T) {
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessing)}, nil),
		},
	}
	store := docview.NewStore(time.Minute)
	store.AddOptimistic("report.pdf", 10, "application/pdf")
	r := New(source, store, &recordingNotifier{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	r.EnsurePolling(ctx)
	if !r.IsPolling() {
		t.Fatalf("expected a polling session to start")
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !r.IsPolling() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cancelling the session context must stop polling")
}

func TestSetVisibleKicksImmediatePoll(t *testing.T) {
	source := &fakeSource{
		responses: []*apiclient.ProcessingStatusResponse{
			feed([]model.Document{activeDoc("srv-1", "report.pdf", model.JobStatusProcessing)}, nil),
		},
	}
	r, _ := newSession(t, source, &recordingNotifier{})
	defer r.Stop()

	r.SetVisible(false)
	r.SetVisible(true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		source.mu.Lock()
		calls := source.calls
		source.mu.Unlock()
		if calls >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("regaining visibility must trigger an immediate poll")
}
