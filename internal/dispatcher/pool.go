package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// Job is a unit of work run by a local worker pool.
type Job struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// JobHandle tracks a submitted job. The authoritative outcome of an
// operation body is its activity; the handle only reports that the job ran.
type JobHandle struct {
	ID    string
	Queue string

	done chan struct{}
	err  error
}

// Done is closed when the job has returned.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Err returns the job error once Done is closed.
func (h *JobHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

type queuedJob struct {
	job    Job
	handle *JobHandle
}

// WorkerPool consumes one named local queue with a fixed number of workers.
type WorkerPool struct {
	name   string
	jobs   chan queuedJob
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool starts workers goroutines consuming a queue of the given depth.
func NewWorkerPool(name string, workers, depth int, logger *zap.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:   name,
		jobs:   make(chan queuedJob, depth),
		logger: logger.With(zap.String("component", "worker-pool"), zap.String("queue", name)),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Name returns the queue name.
func (p *WorkerPool) Name() string { return p.name }

// Enqueue adds a job without blocking.
func (p *WorkerPool) Enqueue(job Job) (*JobHandle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, fmt.Errorf("%w: queue %s is stopped", domain.ErrUnavailable, p.name)
	}

	h := &JobHandle{ID: job.ID, Queue: p.name, done: make(chan struct{})}
	select {
	case p.jobs <- queuedJob{job: job, handle: h}:
		return h, nil
	default:
		return nil, fmt.Errorf("%w: queue %s is full", domain.ErrResourceExhausted, p.name)
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for qj := range p.jobs {
		p.run(qj)
	}
}

func (p *WorkerPool) run(qj queuedJob) {
	defer close(qj.handle.done)
	defer func() {
		if r := recover(); r != nil {
			qj.handle.err = fmt.Errorf("job %s panicked: %v", qj.job.Name, r)
			p.logger.Error("Job panicked", zap.String("job_id", qj.job.ID), zap.Any("panic", r))
		}
	}()

	if err := qj.job.Run(p.ctx); err != nil {
		qj.handle.err = err
		p.logger.Debug("Job failed",
			zap.String("job_id", qj.job.ID),
			zap.String("job", qj.job.Name),
			zap.Error(err),
		)
	}
}

// Stop refuses new jobs and waits for queued ones to drain. If ctx expires
// first, running jobs see their context cancelled.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return ctx.Err()
	}
}
