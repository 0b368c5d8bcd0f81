package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeKind tags the meaning of a ResultantState.
type OutcomeKind string

const (
	// OutcomeNoChange means the activity requests no state change.
	OutcomeNoChange OutcomeKind = "no_change"
	// OutcomeConfirmed means the subject is known to be in State.
	OutcomeConfirmed OutcomeKind = "confirmed"
	// OutcomeUnknown means the remote outcome is ambiguous and must be re-polled.
	OutcomeUnknown OutcomeKind = "unknown"
)

// ResultantState is the state a finished activity asks its subject to take.
// The zero value is NoChange.
type ResultantState struct {
	Kind  OutcomeKind   `json:"kind"`
	State InstanceState `json:"state,omitempty"`
}

// NoChange returns a ResultantState requesting nothing.
func NoChange() ResultantState { return ResultantState{Kind: OutcomeNoChange} }

// Confirmed returns a ResultantState asserting state.
func Confirmed(state InstanceState) ResultantState {
	return ResultantState{Kind: OutcomeConfirmed, State: state}
}

// Unknown returns a ResultantState marking the outcome for reconciliation.
func Unknown() ResultantState { return ResultantState{Kind: OutcomeUnknown} }

// IsConfirmed reports whether a state was asserted, returning it.
func (r ResultantState) IsConfirmed() (InstanceState, bool) {
	if r.Kind == OutcomeConfirmed {
		return r.State, true
	}
	return "", false
}

// IsUnknown reports whether the outcome needs reconciliation.
func (r ResultantState) IsUnknown() bool { return r.Kind == OutcomeUnknown }

func (r ResultantState) String() string {
	switch r.Kind {
	case OutcomeConfirmed:
		return string(r.State)
	case OutcomeUnknown:
		return "unknown"
	default:
		return "no_change"
	}
}

// MarshalJSON keeps the zero value readable.
func (r ResultantState) MarshalJSON() ([]byte, error) {
	kind := r.Kind
	if kind == "" {
		kind = OutcomeNoChange
	}
	type plain ResultantState
	return json.Marshal(plain{Kind: kind, State: r.State})
}

// ParseResultantState rebuilds a ResultantState from its stored columns.
func ParseResultantState(kind, state string) (ResultantState, error) {
	switch OutcomeKind(kind) {
	case "", OutcomeNoChange:
		return NoChange(), nil
	case OutcomeUnknown:
		return Unknown(), nil
	case OutcomeConfirmed:
		st, ok := ParseInstanceState(state)
		if !ok {
			return ResultantState{}, fmt.Errorf("%w: resultant state %q", ErrInvalidArgument, state)
		}
		return Confirmed(st), nil
	default:
		return ResultantState{}, fmt.Errorf("%w: outcome kind %q", ErrInvalidArgument, kind)
	}
}

// Activity is an audit record of one operation, or one step of it.
type Activity struct {
	ID             string         `json:"id"`
	ParentID       string         `json:"parent_id,omitempty"`
	SubjectKind    SubjectKind    `json:"subject_kind"`
	SubjectID      string         `json:"subject_id"`
	Code           string         `json:"activity_code"`
	UserID         string         `json:"user_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	Started        time.Time      `json:"started"`
	Finished       *time.Time     `json:"finished,omitempty"`
	Succeeded      *bool          `json:"succeeded,omitempty"`
	Result         string         `json:"result,omitempty"`
	ResultantState ResultantState `json:"resultant_state"`
}

// IsFinished reports whether finish has run.
func (a *Activity) IsFinished() bool { return a.Finished != nil }

// IsRoot reports whether the activity has no parent.
func (a *Activity) IsRoot() bool { return a.ParentID == "" }

// SameSubject reports whether s is the activity's subject.
func (a *Activity) SameSubject(s Subject) bool {
	return s != nil && a.SubjectKind == s.SubjectKind() && a.SubjectID == s.SubjectID()
}

// Clone returns a deep copy.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	out := *a
	out.Finished = cloneTime(a.Finished)
	if a.Succeeded != nil {
		v := *a.Succeeded
		out.Succeeded = &v
	}
	return &out
}

// ActivityFilter selects activities.
type ActivityFilter struct {
	SubjectKind SubjectKind
	SubjectID   string
	ParentID    string
	RootsOnly   bool
	Unfinished  bool
	Limit       int
}
