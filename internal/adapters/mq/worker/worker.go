// Package worker runs evaluation jobs pulled off a queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/evalboard/internal/adapters/mq/queue"
	"github.com/okian/evalboard/internal/domain/dedupe"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	poolShutdownTimeout     = 30 * time.Second
)

// ErrMalformedJob is returned for a payload that does not decode to a job.
var ErrMalformedJob = errors.New("malformed job payload")

// Executor runs one decoded job to completion.
type Executor interface {
	Execute(ctx context.Context, job model.Job) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes jobs with the provided executor.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue closes.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current job.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker over a shared job channel.
type InMemoryWorker struct {
	jobs     <-chan queue.Job
	executor Executor
	deduper  dedupe.Deduper
	name     string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker reading from jobs.
func NewInMemoryWorker(jobs <-chan queue.Job, executor Executor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		jobs:     jobs,
		executor: executor,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.deduper == nil {
		w.deduper = dedupe.NewInMemoryDeduper()
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Error(ctx, "error processing job",
					logger.String("task_id", job.TaskID), logger.Error(err))
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process settles job exactly once.
func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if job.TaskID != "" && w.deduper.SeenAndRecord(ctx, job.TaskID) {
		metrics.RecordWorkerDuplicate()
		w.logger.Debug(ctx, "dropping redelivered task still in flight", logger.String("task_id", job.TaskID))
		job.Ack(true)
		return nil
	}
	defer w.deduper.Unrecord(ctx, job.TaskID)

	var decoded model.Job
	if uerr := json.Unmarshal(job.Payload, &decoded); uerr != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "decode_error")
		job.Ack(false)
		return fmt.Errorf("%w: %v", ErrMalformedJob, uerr)
	}
	if decoded.TaskID == "" {
		decoded.TaskID = job.TaskID
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordWorkerError()
			metrics.RecordErrorByComponent("worker", "panic")
			metrics.RecordErrorByType("panic", "high")
			job.Ack(false)
			err = fmt.Errorf("executor panic for task %s: %v", decoded.TaskID, r)
		}
	}()

	if xerr := w.executor.Execute(ctx, decoded); xerr != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "execute_error")
		job.Ack(false)
		return fmt.Errorf("execute task %s: %w", decoded.TaskID, xerr)
	}
	job.Ack(true)
	return nil
}

// Pool manages multiple workers sharing one dequeue channel and deduper.
type Pool struct {
	workers  []*InMemoryWorker
	queue    Queue
	executor Executor
	deduper  dedupe.Deduper

	cancel context.CancelFunc
	logger logger.Logger
}

// NewPool creates a pool of workerCount workers. workerCount below 1 uses a
// multiple of the CPU count.
func NewPool(workerCount int, q Queue, executor Executor, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}
	p := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		executor: executor,
		logger:   logger.Get().Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.deduper == nil {
		p.deduper = dedupe.NewInMemoryDeduper()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	jobs := p.queue.Dequeue(ctx)
	for i := range p.workers {
		p.workers[i] = NewInMemoryWorker(jobs, p.executor,
			WithName("worker-"+strconv.Itoa(i)),
			WithDeduper(p.deduper),
			WithLogger(p.logger),
		)
		go p.workers[i].Run(ctx)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Shutdown closes the queue when it supports it, then waits for workers to
// finish their current job.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var firstErr error
	for i, w := range p.workers {
		if w == nil {
			continue
		}
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if p.cancel != nil {
		p.cancel()
	}
	metrics.UpdateWorkerActiveCount(0)
	return firstErr
}
