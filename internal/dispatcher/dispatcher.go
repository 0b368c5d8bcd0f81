package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// Task is one remote call.
type Task struct {
	Queue   string
	Name    string
	Args    map[string]any
	Timeout time.Duration
}

// Dispatcher submits remote tasks with wait-with-timeout semantics and runs
// jobs on local queues.
type Dispatcher struct {
	transport      Transport
	registry       QueueRegistry
	defaultTimeout time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	locals map[string]*WorkerPool
}

// NewDispatcher creates a dispatcher. defaultTimeout applies to tasks
// submitted without one.
func NewDispatcher(transport Transport, registry QueueRegistry, defaultTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport:      transport,
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger.With(zap.String("component", "dispatcher")),
		locals:         make(map[string]*WorkerPool),
	}
}

// AddLocalQueue makes pool the consumer of its queue name.
func (d *Dispatcher) AddLocalQueue(pool *WorkerPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locals[pool.Name()] = pool
}

// CallInline runs a remote task and blocks until it answers or its timeout
// expires. Expiry returns an error wrapping domain.ErrRemoteTimeout.
func (d *Dispatcher) CallInline(ctx context.Context, task Task) (map[string]any, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := d.transport.Execute(callCtx, task.Queue, task.Name, task.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.Warn("Remote task timed out",
				zap.String("queue", task.Queue),
				zap.String("task", task.Name),
				zap.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("%w: %s on %s after %s", domain.ErrRemoteTimeout, task.Name, task.Queue, timeout)
		}
		return nil, err
	}

	d.logger.Debug("Remote task completed",
		zap.String("queue", task.Queue),
		zap.String("task", task.Name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// Submit is CallInline with positional arguments.
func (d *Dispatcher) Submit(ctx context.Context, queue, task string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	return d.CallInline(ctx, Task{Queue: queue, Name: task, Args: args, Timeout: timeout})
}

// SubmitWithDefault behaves like Submit but returns def instead of a timeout
// error. Other errors are returned unchanged.
func (d *Dispatcher) SubmitWithDefault(ctx context.Context, queue, task string, args map[string]any, timeout time.Duration, def map[string]any) (map[string]any, error) {
	result, err := d.Submit(ctx, queue, task, args, timeout)
	if errors.Is(err, domain.ErrRemoteTimeout) {
		return def, nil
	}
	return result, err
}

// SubmitAsync enqueues job on a local queue and returns immediately.
func (d *Dispatcher) SubmitAsync(ctx context.Context, queue string, job Job) (*JobHandle, error) {
	d.mu.RLock()
	pool, ok := d.locals[queue]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no local consumer for %s", domain.ErrQueueNotFound, queue)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	return pool.Enqueue(job)
}

// ActiveQueues reports the queues consumed by live workers.
func (d *Dispatcher) ActiveQueues(ctx context.Context, workers ...string) (map[string][]QueueDescriptor, error) {
	return d.registry.ActiveQueues(ctx, workers...)
}

// CheckQueueActive reports whether the worker on hostname consumes the
// hostname.queueID queue. Lookup failures and empty answers are false.
func (d *Dispatcher) CheckQueueActive(ctx context.Context, hostname, queueID string) bool {
	active, err := d.registry.ActiveQueues(ctx, hostname)
	if err != nil {
		d.logger.Debug("Failed to inspect queues", zap.String("hostname", hostname), zap.Error(err))
		return false
	}
	want := QueueName(hostname, queueID)
	for _, q := range active[hostname] {
		if q.Name == want {
			return true
		}
	}
	return false
}

// Stop stops every local queue.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.RLock()
	pools := make([]*WorkerPool, 0, len(d.locals))
	for _, p := range d.locals {
		pools = append(pools, p)
	}
	d.mu.RUnlock()

	var errs []error
	for _, p := range pools {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
