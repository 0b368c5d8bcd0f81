package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// Ledger creates and finishes activities.
type Ledger struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sends ledger events to p.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new activity ledger.
func NewLedger(repo Repository, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: logger.With(zap.String("component", "activity-ledger")),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create persists a root activity for subject. A nil user means the system
// invoked the operation.
func (l *Ledger) Create(ctx context.Context, codeSuffix string, subject domain.Subject, taskID string, user *domain.User) (*domain.Activity, error) {
	if subject == nil {
		return nil, fmt.Errorf("%w: activity requires a subject", domain.ErrInvalidArgument)
	}
	a := &domain.Activity{
		ID:             l.newID(),
		SubjectKind:    subject.SubjectKind(),
		SubjectID:      subject.SubjectID(),
		Code:           subject.SubjectKind().CodePrefix() + "." + codeSuffix,
		TaskID:         taskID,
		Started:        l.now(),
		ResultantState: domain.NoChange(),
	}
	if user != nil {
		a.UserID = user.ID
	}
	return a, l.insert(ctx, a)
}

// CreateSub persists a child of parent on the same subject and user.
func (l *Ledger) CreateSub(ctx context.Context, parent *domain.Activity, codeSuffix, taskID string) (*domain.Activity, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: sub-activity requires a parent", domain.ErrInvalidArgument)
	}
	a := &domain.Activity{
		ID:             l.newID(),
		ParentID:       parent.ID,
		SubjectKind:    parent.SubjectKind,
		SubjectID:      parent.SubjectID,
		Code:           parent.Code + "." + codeSuffix,
		UserID:         parent.UserID,
		TaskID:         taskID,
		Started:        l.now(),
		ResultantState: domain.NoChange(),
	}
	return a, l.insert(ctx, a)
}

func (l *Ledger) insert(ctx context.Context, a *domain.Activity) error {
	if err := l.repo.Create(ctx, a); err != nil {
		return fmt.Errorf("failed to create activity %s: %w", a.Code, err)
	}
	l.publish(ctx, EventCreated, a)
	return nil
}

// Finish marks a finished and persists it. It is a no-op when a is already
// finished. onFinish runs before the row is written and may still modify a.
func (l *Ledger) Finish(ctx context.Context, a *domain.Activity, succeeded bool, result string, onFinish func(*domain.Activity)) error {
	if a.IsFinished() {
		return nil
	}
	now := l.now()
	a.Finished = &now
	a.Succeeded = &succeeded
	a.Result = result
	if onFinish != nil {
		onFinish(a)
	}

	if err := l.repo.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to finish activity %s: %w", a.Code, err)
	}
	l.publish(ctx, EventFinished, a)

	l.logger.Debug("Activity finished",
		zap.String("activity_id", a.ID),
		zap.String("code", a.Code),
		zap.Bool("succeeded", succeeded),
		zap.Stringer("resultant_state", a.ResultantState),
	)
	return nil
}

// Track runs fn as the body of a and finishes a on every exit path.
// onCommit runs before a successful finish, onAbort before a failed one.
// A panic in fn finishes a as failed and is re-raised.
func (l *Ledger) Track(
	ctx context.Context,
	a *domain.Activity,
	fn func(ctx context.Context) error,
	onCommit func(*domain.Activity),
	onAbort func(*domain.Activity, error),
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			if ferr := l.Finish(context.WithoutCancel(ctx), a, false, perr.Error(), abortHook(onAbort, perr)); ferr != nil {
				l.logger.Error("Failed to finish activity after panic", zap.String("activity_id", a.ID), zap.Error(ferr))
			}
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		// The caller's context may already be cancelled; the audit row must still be written.
		if ferr := l.Finish(context.WithoutCancel(ctx), a, false, err.Error(), abortHook(onAbort, err)); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}

	return l.Finish(ctx, a, true, "", onCommit)
}

func abortHook(onAbort func(*domain.Activity, error), err error) func(*domain.Activity) {
	if onAbort == nil {
		return nil
	}
	return func(a *domain.Activity) { onAbort(a, err) }
}

// SubActivity creates a child of parent, runs fn with it and finishes it:
// as succeeded when fn returns nil, otherwise as failed with the error text.
// fn's error is returned unchanged.
func (l *Ledger) SubActivity(ctx context.Context, parent *domain.Activity, codeSuffix, taskID string, fn func(ctx context.Context, sub *domain.Activity) error) error {
	sub, err := l.CreateSub(ctx, parent, codeSuffix, taskID)
	if err != nil {
		return err
	}
	return l.Track(ctx, sub, func(ctx context.Context) error { return fn(ctx, sub) }, nil, nil)
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns one activity.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Activity, error) {
	return l.repo.Get(ctx, id)
}

// ListBySubject returns the root activities of subject, newest first.
func (l *Ledger) ListBySubject(ctx context.Context, subject domain.Subject, limit int) ([]*domain.Activity, error) {
	return l.repo.List(ctx, domain.ActivityFilter{
		SubjectKind: subject.SubjectKind(),
		SubjectID:   subject.SubjectID(),
		RootsOnly:   true,
		Limit:       limit,
	})
}

// Children returns the direct children of the activity, newest first.
func (l *Ledger) Children(ctx context.Context, parentID string) ([]*domain.Activity, error) {
	return l.repo.List(ctx, domain.ActivityFilter{ParentID: parentID})
}

// Latest returns the most recent root activity of subject.
func (l *Ledger) Latest(ctx context.Context, subject domain.Subject) (*domain.Activity, error) {
	list, err := l.ListBySubject(ctx, subject, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, domain.ErrNotFound
	}
	return list[0], nil
}

// Count returns the number of activities matching filter.
func (l *Ledger) Count(ctx context.Context, filter domain.ActivityFilter) (int, error) {
	return l.repo.Count(ctx, filter)
}

func (l *Ledger) publish(ctx context.Context, typ EventType, a *domain.Activity) {
	if l.publisher == nil {
		return
	}
	event := Event{Type: typ, Activity: a.Clone(), Timestamp: l.now()}
	if err := l.publisher.PublishActivity(ctx, event); err != nil {
		l.logger.Warn("Failed to publish activity event",
			zap.String("activity_id", a.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
