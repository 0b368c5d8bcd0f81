package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

// AsyncSubmitter hands operation bodies to a local queue.
type AsyncSubmitter interface {
	SubmitAsync(ctx context.Context, queue string, job dispatcher.Job) (*dispatcher.JobHandle, error)
}

// OutcomeHandler runs after an activity of its subject kind has finished.
type OutcomeHandler func(ctx context.Context, act *domain.Activity) error

// Execution is the result of a synchronous call.
type Execution struct {
	Activity *domain.Activity
	Result   any
}

// AsyncExecution is the result of an asynchronous call. The activity is the
// authoritative view of progress.
type AsyncExecution struct {
	Activity *domain.Activity
	Handle   *dispatcher.JobHandle
}

// Runner executes operations.
type Runner struct {
	registry *Registry
	ledger   *activity.Ledger
	async    AsyncSubmitter
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[domain.SubjectKind][]OutcomeHandler
}

// NewRunner creates a runner. async may be nil when no operation is called
// asynchronously.
func NewRunner(registry *Registry, ledger *activity.Ledger, async AsyncSubmitter, logger *zap.Logger) *Runner {
	return &Runner{
		registry: registry,
		ledger:   ledger,
		async:    async,
		logger:   logger.With(zap.String("component", "operation-runner")),
		handlers: make(map[domain.SubjectKind][]OutcomeHandler),
	}
}

// Ledger returns the activity ledger used by the runner.
func (r *Runner) Ledger() *activity.Ledger { return r.ledger }

// Registry returns the operation registry.
func (r *Runner) Registry() *Registry { return r.registry }

// OnOutcome registers h for finished activities of kind.
func (r *Runner) OnOutcome(kind domain.SubjectKind, h OutcomeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// For returns the operations of subject.
func (r *Runner) For(subject domain.Subject) *Operated {
	return &Operated{subject: subject, runner: r}
}

// Call runs op synchronously and returns its result.
func (r *Runner) Call(ctx context.Context, op Operation, opts CallOptions) (*Execution, error) {
	inv, err := r.prepare(ctx, op, opts, "")
	if err != nil {
		return nil, err
	}
	result, err := r.execute(ctx, op, inv)
	return &Execution{Activity: inv.Activity, Result: result}, err
}

// Async performs the checks and creates the activity synchronously, then
// submits the body to the operation's queue.
func (r *Runner) Async(ctx context.Context, op Operation, opts CallOptions) (*AsyncExecution, error) {
	if r.async == nil {
		return nil, fmt.Errorf("%w: no async dispatcher configured", domain.ErrUnavailable)
	}

	taskID := uuid.New().String()
	inv, err := r.prepare(ctx, op, opts, taskID)
	if err != nil {
		return nil, err
	}

	// The worker owns inv.Activity once the job is queued.
	snapshot := inv.Activity.Clone()
	handle, err := r.async.SubmitAsync(ctx, op.AsyncQueue(), dispatcher.Job{
		ID:   taskID,
		Name: snapshot.Code,
		Run: func(jobCtx context.Context) error {
			_, err := r.execute(jobCtx, op, inv)
			return err
		},
	})
	if err != nil {
		err = fmt.Errorf("failed to submit %s: %w", op.ID(), err)
		if ferr := r.ledger.Finish(context.WithoutCancel(ctx), inv.Activity, false, err.Error(), nil); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}

	return &AsyncExecution{Activity: snapshot, Handle: handle}, nil
}

// prepare validates the call and creates its activity.
func (r *Runner) prepare(ctx context.Context, op Operation, opts CallOptions, taskID string) (*Invocation, error) {
	if err := checkParams(op, opts.Params); err != nil {
		return nil, err
	}
	if !opts.System {
		if err := CheckAuth(op, opts.User); err != nil {
			return nil, err
		}
	}
	if err := op.CheckPrecondition(ctx); err != nil {
		return nil, err
	}

	act, err := r.createActivity(ctx, op, opts, taskID)
	if err != nil {
		return nil, err
	}

	params := opts.Params
	if params == nil {
		params = Params{}
	}
	return &Invocation{Activity: act, User: opts.User, System: opts.System, Params: params}, nil
}

func (r *Runner) createActivity(ctx context.Context, op Operation, opts CallOptions, taskID string) (*domain.Activity, error) {
	parent := opts.ParentActivity
	if parent == nil {
		return r.ledger.Create(ctx, op.ActivityCode(), op.Subject(), taskID, opts.User)
	}

	if parent.IsFinished() {
		return nil, fmt.Errorf("%w: parent %s has already finished", domain.ErrInvalidParentActivity, parent.ID)
	}
	if !parent.SameSubject(op.Subject()) {
		return nil, fmt.Errorf("%w: parent %s belongs to %s %s", domain.ErrInvalidParentActivity,
			parent.ID, parent.SubjectKind, parent.SubjectID)
	}
	userID := ""
	if opts.User != nil {
		userID = opts.User.ID
	}
	if parent.UserID != userID {
		return nil, fmt.Errorf("%w: parent %s was started by another user", domain.ErrInvalidParentActivity, parent.ID)
	}
	return r.ledger.CreateSub(ctx, parent, op.ActivityCode(), taskID)
}

// execute runs the body inside the activity and then the outcome handlers.
func (r *Runner) execute(ctx context.Context, op Operation, inv *Invocation) (any, error) {
	act := inv.Activity
	logger := r.logger.With(
		zap.String("operation", op.ID()),
		zap.String("subject", string(act.SubjectKind)+"/"+act.SubjectID),
		zap.String("activity_id", act.ID),
	)
	if inv.User != nil {
		logger = logger.With(zap.String("user", inv.User.Username))
	}
	logger.Info("Operation started")
	start := time.Now()

	var onCommit func(*domain.Activity)
	if c, ok := op.(Committer); ok {
		onCommit = c.OnCommit
	}
	var onAbort func(*domain.Activity, error)
	if a, ok := op.(Aborter); ok {
		onAbort = a.OnAbort
	}

	var result any
	err := r.ledger.Track(ctx, act, func(ctx context.Context) error {
		var err error
		result, err = op.Run(ctx, inv)
		return err
	}, onCommit, onAbort)

	if err != nil {
		logger.Warn("Operation failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.String("class", domain.Classify(err).String()),
			zap.Error(err),
		)
	} else {
		logger.Info("Operation finished", zap.Duration("elapsed", time.Since(start)))
	}

	if act.IsFinished() {
		if herr := r.runOutcomeHandlers(context.WithoutCancel(ctx), act); herr != nil {
			logger.Error("Outcome handler failed", zap.Error(herr))
			if err == nil {
				err = herr
			}
		}
	}
	return result, err
}

func (r *Runner) runOutcomeHandlers(ctx context.Context, act *domain.Activity) error {
	r.mu.RLock()
	handlers := r.handlers[act.SubjectKind]
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, act); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
