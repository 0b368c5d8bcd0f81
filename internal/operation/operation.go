// Package operation defines operations: units of work bound to a subject,
// gated by authorization and precondition checks and executed inside an
// activity.
package operation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// Operation is a unit of work bound to one subject.
type Operation interface {
	// ID is the registry key, e.g. "deploy".
	ID() string
	// Name is a human readable label.
	Name() string
	// ActivityCode is the suffix appended to the subject's code prefix.
	ActivityCode() string
	RequiredLevel() domain.ACLLevel
	RequiredPerms() []domain.Permission
	// AsyncQueue is the local queue async calls are submitted to.
	AsyncQueue() string
	// Accepts lists the parameter names Run understands.
	Accepts() []string
	Subject() domain.Subject
	// CheckPrecondition runs before any activity exists.
	CheckPrecondition(ctx context.Context) error
	Run(ctx context.Context, inv *Invocation) (any, error)
}

// Committer is implemented by operations that adjust their activity before
// a successful finish, typically to set the resultant state.
type Committer interface {
	OnCommit(act *domain.Activity)
}

// Aborter is implemented by operations that adjust their activity before a
// failed finish.
type Aborter interface {
	OnAbort(act *domain.Activity, err error)
}

// Params are the non-reserved parameters of a call.
type Params map[string]any

// String returns a string parameter.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok && v != ""
}

// Duration returns a duration parameter given as a duration, a string or seconds.
func (p Params) Duration(key string) (time.Duration, bool, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, false, nil
	case time.Duration:
		return v, true, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, key, err)
		}
		return d, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s has type %T", domain.ErrInvalidArgument, key, v)
	}
}

// CallOptions carries the reserved parameters of a call.
type CallOptions struct {
	User *domain.User
	// System skips the authorization check.
	System bool
	// ParentActivity makes the new activity a child of an existing one on
	// the same subject and user.
	ParentActivity *domain.Activity
	Params         Params
}

// Invocation is what an operation body sees.
type Invocation struct {
	Activity *domain.Activity
	User     *domain.User
	System   bool
	Params   Params
}

// Base implements the static parts of Operation. Concrete operations embed
// it and add Subject and Run.
type Base struct {
	OpID   string
	OpName string
	Code   string
	Level  domain.ACLLevel
	Perms  []domain.Permission
	Queue  string
	Params []string
}

func (b Base) ID() string { return b.OpID }

func (b Base) Name() string {
	if b.OpName != "" {
		return b.OpName
	}
	return b.OpID
}

func (b Base) ActivityCode() string {
	if b.Code != "" {
		return b.Code
	}
	return b.OpID
}

func (b Base) RequiredLevel() domain.ACLLevel     { return b.Level }
func (b Base) RequiredPerms() []domain.Permission { return b.Perms }
func (b Base) AsyncQueue() string                 { return b.Queue }
func (b Base) Accepts() []string                  { return b.Params }

// CheckPrecondition accepts every call.
func (b Base) CheckPrecondition(ctx context.Context) error { return nil }

// CheckAuth verifies that user holds the operation's ACL level on its
// subject and its required permissions. Both checks apply; superusers pass
// the ACL check only.
func CheckAuth(op Operation, user *domain.User) error {
	if user == nil {
		return fmt.Errorf("%w: %s requires a user", domain.ErrPermissionDenied, op.ID())
	}
	if level := op.RequiredLevel(); level > domain.ACLNone {
		if acl, ok := op.Subject().(domain.HasACLLevels); ok && !acl.HasLevel(user, level) {
			return fmt.Errorf("%w: %s requires %s level on %s %s",
				domain.ErrPermissionDenied, op.ID(), level, op.Subject().SubjectKind(), op.Subject().SubjectID())
		}
	}
	if perms := op.RequiredPerms(); !user.HasPerms(perms...) {
		return fmt.Errorf("%w: %s requires permissions %v", domain.ErrPermissionDenied, op.ID(), perms)
	}
	return nil
}

// checkParams rejects parameters the operation does not declare.
func checkParams(op Operation, params Params) error {
	var unexpected []string
	accepted := op.Accepts()
	for k := range params {
		if !slices.Contains(accepted, k) {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) == 0 {
		return nil
	}
	sort.Strings(unexpected)
	return fmt.Errorf("%w: %s got %v", domain.ErrUnexpectedArgument, op.ID(), unexpected)
}
