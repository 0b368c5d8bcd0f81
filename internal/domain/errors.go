// Package domain contains domain models and business logic errors.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when the user lacks an ACL level or permission for an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnauthorized is returned when no valid credentials were presented.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrResourceExhausted is returned when resources are not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// Operation errors
var (
	// ErrPrecondition is the class of errors raised by an operation before its activity exists.
	ErrPrecondition = errors.New("precondition failed")

	// ErrInstanceDestroyed is returned for any lifecycle operation on a destroyed instance.
	ErrInstanceDestroyed = fmt.Errorf("%w: instance already destroyed", ErrPrecondition)

	// ErrWrongState is returned when the subject is not in the state a transition requires.
	ErrWrongState = fmt.Errorf("%w: subject not in expected state", ErrPrecondition)

	// ErrNoNodeAssigned is returned when an operation needs a node but the instance has none.
	ErrNoNodeAssigned = fmt.Errorf("%w: instance has no node assigned", ErrPrecondition)

	// ErrRemoteTimeout is returned when a remote queue call did not answer within its deadline.
	ErrRemoteTimeout = errors.New("remote call timed out")

	// ErrUnexpectedArgument is returned when an operation receives a parameter it does not declare.
	ErrUnexpectedArgument = errors.New("unexpected argument")

	// ErrNoSuchOperation is returned when an operation id is not registered for a subject kind.
	ErrNoSuchOperation = errors.New("no such operation")

	// ErrInvalidParentActivity is returned when a parent activity belongs to another subject or user.
	ErrInvalidParentActivity = errors.New("parent activity does not match subject or user")

	// ErrNoSchedulableNode is returned when no node can host an instance.
	ErrNoSchedulableNode = errors.New("no schedulable node")

	// ErrQueueNotFound is returned when no worker advertises a queue.
	ErrQueueNotFound = errors.New("queue not found")
)

// ErrorClass groups errors the way a calling layer has to react to them.
type ErrorClass int

const (
	// ErrorClassInternal is any failure that is not one of the classes below.
	ErrorClassInternal ErrorClass = iota
	// ErrorClassAuthorization means the user lacks an ACL level or permission.
	ErrorClassAuthorization
	// ErrorClassPrecondition means the subject is in the wrong state for the call.
	ErrorClassPrecondition
	// ErrorClassTimeout means a remote call expired and the outcome is unknown.
	ErrorClassTimeout
	// ErrorClassContract means the call itself was malformed.
	ErrorClassContract
	// ErrorClassNotFound means the subject or operation does not exist.
	ErrorClassNotFound
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassAuthorization:
		return "authorization"
	case ErrorClassPrecondition:
		return "precondition"
	case ErrorClassTimeout:
		return "timeout"
	case ErrorClassContract:
		return "contract"
	case ErrorClassNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Classify maps an error to its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassInternal
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnauthorized):
		return ErrorClassAuthorization
	case errors.Is(err, ErrPrecondition), errors.Is(err, ErrConflict):
		return ErrorClassPrecondition
	case IsTimeout(err):
		return ErrorClassTimeout
	case errors.Is(err, ErrUnexpectedArgument), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidParentActivity):
		return ErrorClassContract
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoSuchOperation):
		return ErrorClassNotFound
	default:
		return ErrorClassInternal
	}
}

// IsTimeout reports whether err is a remote timeout or an expired context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRemoteTimeout) || errors.Is(err, context.DeadlineExceeded)
}
