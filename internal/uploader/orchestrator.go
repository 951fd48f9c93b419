package uploader

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralin/docflow/internal/apiclient"
)

// Notifier receives user-facing toasts. The CLI prints them; tests capture
// them.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}

// Orchestrator owns the upload queue. All item mutations funnel through its
// mutex so concurrent executors never clobber each other's fields, and a
// reentrancy guard ensures only one select-and-launch pass runs at a time.
type Orchestrator struct {
	executor  *Executor
	validator Validator
	notifier  Notifier
	onChange  func(Snapshot)

	maxConcurrent int

	mu            sync.Mutex
	items         []*Item
	cancels       map[string]context.CancelFunc
	launching     bool
	relaunch      bool
	batchNotified bool

	progress     Progress
	globalStatus GlobalStatus
}

// Options configures an Orchestrator.
type Options struct {
	MaxConcurrentUploads int
	Validator            Validator
	Notifier             Notifier
	// OnChange is invoked with a fresh snapshot after every state change.
	OnChange func(Snapshot)
}

// NewOrchestrator builds the queue around an executor.
func NewOrchestrator(executor *Executor, opts Options) *Orchestrator {
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 3
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	return &Orchestrator{
		executor:      executor,
		validator:     opts.Validator,
		notifier:      opts.Notifier,
		onChange:      opts.OnChange,
		maxConcurrent: opts.MaxConcurrentUploads,
		cancels:       make(map[string]context.CancelFunc),
		globalStatus:  GlobalIdle,
	}
}

// AddFiles validates the given files, admits the valid ones as pending queue
// items in arrival order, and kicks the launch loop. Rejected files are
// returned for the caller to surface; they never block the others.
func (o *Orchestrator) AddFiles(files []File) (admitted []Item, rejected []Rejection) {
	valid, rejected := o.validator.Validate(files)
	if len(valid) > 0 {
		o.mu.Lock()
		for _, f := range valid {
			item := &Item{
				ID:       uuid.NewString(),
				File:     f,
				FileName: f.Name,
				FileSize: f.Size,
				Status:   StatusPending,
			}
			o.items = append(o.items, item)
			admitted = append(admitted, *item)
		}
		// A new batch re-arms the all-uploads-complete notification.
		o.batchNotified = false
		o.recomputeLocked()
		o.mu.Unlock()
		o.emitChange()
		o.processQueue()
	}
	return admitted, rejected
}

// CancelItem aborts one in-flight or pending upload. Cancellation resolves
// the item as cancelled, never as an error.
func (o *Orchestrator) CancelItem(id string) error {
	o.mu.Lock()
	item := o.findLocked(id)
	if item == nil {
		o.mu.Unlock()
		return fmt.Errorf("unknown queue item %s", id)
	}
	if item.Status.Resolved() {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancels[id]
	var batchDone bool
	var snap Snapshot
	if item.Status == StatusPending || item.Status == StatusPaused {
		// Not launched yet; resolve directly. Resolving here can close the
		// batch, so the finish notification is evaluated the same way the
		// executor path does.
		item.Status = StatusCancelled
		item.CompletedTime = time.Now().UTC()
		o.recomputeLocked()
		snap = o.snapshotLocked()
		batchDone = o.batchFinishedLocked()
	}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.emitChange()
	if batchDone {
		o.notifyBatchDone(snap)
	}
	o.processQueue()
	return nil
}

// ClearQueue cancels every outstanding upload and resets the queue.
func (o *Orchestrator) ClearQueue() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, cancel := range o.cancels {
		cancels = append(cancels, cancel)
	}
	o.cancels = make(map[string]context.CancelFunc)
	o.items = nil
	o.batchNotified = false
	o.recomputeLocked()
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	o.emitChange()
}

// Retry re-admits a failed item's file as a brand-new queue item. Failed
// items are never resumed, only replaced.
func (o *Orchestrator) Retry(id string) (Item, error) {
	o.mu.Lock()
	item := o.findLocked(id)
	if item == nil {
		o.mu.Unlock()
		return Item{}, fmt.Errorf("unknown queue item %s", id)
	}
	if item.Status != StatusError {
		o.mu.Unlock()
		return Item{}, fmt.Errorf("queue item %s is %s, only failed items can be retried", id, item.Status)
	}
	fresh := &Item{
		ID:       uuid.NewString(),
		File:     item.File,
		FileName: item.FileName,
		FileSize: item.FileSize,
		Status:   StatusPending,
	}
	o.items = append(o.items, fresh)
	o.batchNotified = false
	o.recomputeLocked()
	o.mu.Unlock()
	o.emitChange()
	o.processQueue()
	return *fresh, nil
}

// Pause holds back a pending item from being launched.
func (o *Orchestrator) Pause(id string) error {
	return o.transition(id, StatusPending, StatusPaused)
}

// Resume returns a paused item to the launch pool.
func (o *Orchestrator) Resume(id string) error {
	if err := o.transition(id, StatusPaused, StatusPending); err != nil {
		return err
	}
	o.processQueue()
	return nil
}

func (o *Orchestrator) transition(id string, from, to ItemStatus) error {
	o.mu.Lock()
	item := o.findLocked(id)
	if item == nil {
		o.mu.Unlock()
		return fmt.Errorf("unknown queue item %s", id)
	}
	if item.Status != from {
		o.mu.Unlock()
		return fmt.Errorf("queue item %s is %s, not %s", id, item.Status, from)
	}
	item.Status = to
	o.recomputeLocked()
	o.mu.Unlock()
	o.emitChange()
	return nil
}

// Snapshot returns a copy of the queue and its aggregate progress.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	items := make([]Item, len(o.items))
	for i, it := range o.items {
		items[i] = *it
	}
	return Snapshot{Items: items, Progress: o.progress, GlobalStatus: o.globalStatus}
}

// processQueue is the launch loop: take pending items in arrival order up to
// the free capacity, flip them to uploading as one batched update, and start
// their executors. The launching flag keeps two passes from overlapping; a
// trigger arriving mid-pass marks relaunch and the in-flight pass picks the
// work up itself.
func (o *Orchestrator) processQueue() {
	o.mu.Lock()
	if o.launching {
		o.relaunch = true
		o.mu.Unlock()
		return
	}
	o.launching = true
	for {
		o.relaunch = false
		launched := o.launchEligibleLocked()
		if len(launched) > 0 {
			o.recomputeLocked()
			snap := o.snapshotLocked()
			o.mu.Unlock()
			o.notifyChange(snap)
			o.mu.Lock()
		}
		if !o.relaunch {
			break
		}
	}
	o.launching = false
	o.mu.Unlock()
}

func (o *Orchestrator) launchEligibleLocked() []*Item {
	uploading := 0
	for _, it := range o.items {
		if it.Status == StatusUploading {
			uploading++
		}
	}
	capacity := o.maxConcurrent - uploading
	if capacity <= 0 {
		return nil
	}
	var batch []*Item
	for _, it := range o.items {
		if len(batch) == capacity {
			break
		}
		if it.Status == StatusPending {
			batch = append(batch, it)
		}
	}
	now := time.Now().UTC()
	for _, it := range batch {
		it.Status = StatusUploading
		it.StartTime = now
		ctx, cancel := context.WithCancel(context.Background())
		o.cancels[it.ID] = cancel
		go o.run(ctx, it.ID, it.File)
	}
	return batch
}

// run executes one item and applies its terminal state through the
// serialized update path.
func (o *Orchestrator) run(ctx context.Context, id string, file File) {
	res, err := o.executor.Execute(ctx, file, func(p int) {
		o.updateItem(id, func(it *Item) {
			if p > it.Progress {
				it.Progress = p
			}
		})
	})

	o.updateItem(id, func(it *Item) {
		it.CompletedTime = time.Now().UTC()
		it.RetryCount = res.RetryCount
		switch {
		case err == nil:
			it.Status = StatusCompleted
			it.Progress = 100
			it.DocumentID = res.DocumentID
		case apiclient.Cancelled(err):
			it.Status = StatusCancelled
		default:
			it.Status = StatusError
			it.Error = err.Error()
			log.Printf("upload %s failed: %v", file.Name, err)
		}
	})

	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		delete(o.cancels, id)
		defer cancel()
	}
	o.mu.Unlock()

	// A freed slot is a trigger for the next launch pass.
	o.processQueue()
}

// updateItem applies a functional transform to the item with the given id
// under the queue lock, then recomputes the aggregate and emits a snapshot.
// Terminal items are never touched again.
func (o *Orchestrator) updateItem(id string, fn func(*Item)) {
	o.mu.Lock()
	item := o.findLocked(id)
	if item == nil || item.Status.Resolved() {
		o.mu.Unlock()
		return
	}
	fn(item)
	o.recomputeLocked()
	snap := o.snapshotLocked()
	batchDone := o.batchFinishedLocked()
	o.mu.Unlock()
	o.notifyChange(snap)
	if batchDone {
		o.notifyBatchDone(snap)
	}
}

func (o *Orchestrator) notifyBatchDone(snap Snapshot) {
	if snap.Progress.FailedFiles > 0 {
		o.notifier.Error(fmt.Sprintf("uploads finished with %d failure(s)", snap.Progress.FailedFiles))
	} else {
		o.notifier.Success("all uploads complete")
	}
}

func (o *Orchestrator) findLocked(id string) *Item {
	for _, it := range o.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// recomputeLocked rebuilds the aggregate progress and global status. Failed
// and cancelled items contribute 0 to the mean but stay in the denominator.
// Cancelled items count toward neither the completed nor the failed tally, so
// the final global status reflects only the items that actually ran.
func (o *Orchestrator) recomputeLocked() {
	var completed, failed, cancelled, sum int
	for _, it := range o.items {
		switch it.Status {
		case StatusCompleted:
			completed++
			sum += 100
		case StatusError:
			failed++
		case StatusCancelled:
			cancelled++
		default:
			sum += it.Progress
		}
	}
	total := len(o.items)
	overall := 0
	if total > 0 {
		overall = sum / total
	}
	o.progress = Progress{
		TotalFiles:      total,
		CompletedFiles:  completed,
		FailedFiles:     failed,
		OverallProgress: overall,
	}
	switch {
	case total == 0:
		o.globalStatus = GlobalIdle
	case completed+failed+cancelled < total:
		o.globalStatus = GlobalUploading
	case failed > 0:
		o.globalStatus = GlobalError
	case completed > 0:
		o.globalStatus = GlobalCompleted
	default:
		// Everything was cancelled; nothing ran to completion or failure.
		o.globalStatus = GlobalIdle
	}
}

// batchFinishedLocked reports true exactly once per batch, the first time
// every non-cancelled item has resolved.
func (o *Orchestrator) batchFinishedLocked() bool {
	if o.batchNotified || len(o.items) == 0 {
		return false
	}
	ran := 0
	for _, it := range o.items {
		if !it.Status.Resolved() {
			return false
		}
		if it.Status != StatusCancelled {
			ran++
		}
	}
	if ran == 0 {
		return false
	}
	o.batchNotified = true
	return true
}

func (o *Orchestrator) emitChange() {
	if o.onChange == nil {
		return
	}
	o.notifyChange(o.Snapshot())
}

func (o *Orchestrator) notifyChange(snap Snapshot) {
	if o.onChange != nil {
		o.onChange(snap)
	}
}
