// Package processing is the in-process substitute for the asynq pipeline:
// a small goroutine pool that runs the same worker stages when the API server
// runs in self-contained dev mode.
package processing

import (
	"context"
	"errors"
	"log"

	"github.com/seralin/docflow/internal/queue"
	"github.com/seralin/docflow/internal/worker"
)

// ErrPoolFull is returned when the dev-mode pipeline cannot accept more work.
var ErrPoolFull = errors.New("processing pool is full")

// Pool consumes processing jobs on buffered channel workers.
type Pool struct {
	processor *worker.Processor
	jobs      chan queue.ProcessPayload
	workers   int
}

// NewPool builds a Pool with queue capacity tied to worker count.
func NewPool(processor *worker.Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		processor: processor,
		jobs:      make(chan queue.ProcessPayload, workers*4),
		workers:   workers,
	}
}

// Start launches the worker goroutines; they exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.run(ctx)
	}
}

// EnqueueProcess satisfies queue.Enqueuer. A full buffer fails the enqueue
// rather than blocking the completion endpoint.
func (p *Pool) EnqueueProcess(_ context.Context, payload queue.ProcessPayload) error {
	select {
	case p.jobs <- payload:
		return nil
	default:
		log.Printf("processing pool full, dropping job for %s", payload.DocumentID)
		return ErrPoolFull
	}
}

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.jobs:
			if err := p.processor.Process(ctx, payload); err != nil {
				log.Printf("process %s: %v", payload.DocumentID, err)
			}
		}
	}
}
