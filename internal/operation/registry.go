package operation

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/circlecloud/circle/internal/domain"
)

// Factory binds a new operation to subject. Factories must accept a nil
// subject so the registry can read the operation id.
type Factory func(subject domain.Subject) Operation

// Registry maps (subject kind, operation id) to factories.
type Registry struct {
	mu  sync.RWMutex
	ops map[domain.SubjectKind]map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[domain.SubjectKind]map[string]Factory)}
}

// Register adds factory for kind under id, or under the operation's own ID
// when id is omitted.
func (r *Registry) Register(kind domain.SubjectKind, factory Factory, id ...string) error {
	opID := ""
	if len(id) > 0 {
		opID = id[0]
	} else {
		opID = factory(nil).ID()
	}
	if opID == "" {
		return fmt.Errorf("%w: operation id is empty", domain.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.ops[kind]
	if !ok {
		byID = make(map[string]Factory)
		r.ops[kind] = byID
	}
	if _, exists := byID[opID]; exists {
		return fmt.Errorf("%w: %s operation %q", domain.ErrAlreadyExists, kind, opID)
	}
	byID[opID] = factory
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(kind domain.SubjectKind, factory Factory, id ...string) {
	if err := r.Register(kind, factory, id...); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered for kind and id.
func (r *Registry) Lookup(kind domain.SubjectKind, id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.ops[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", domain.ErrNoSuchOperation, kind, id)
	}
	return f, nil
}

// IDs returns the operation ids registered for kind in sorted order.
func (r *Registry) IDs(kind domain.SubjectKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.ops[kind]))
	for id := range r.ops[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// SUBJECT BINDING
// =============================================================================

// HasOperations is the capability of a subject to expose operations.
type HasOperations interface {
	GetOperation(id string) (*Bound, error)
	HasOperation(id string) bool
	Available(ctx context.Context, user *domain.User) iter.Seq[*Bound]
}

// Operated exposes the registered operations of one subject.
type Operated struct {
	subject domain.Subject
	runner  *Runner
}

var _ HasOperations = (*Operated)(nil)

// Subject returns the bound subject.
func (o *Operated) Subject() domain.Subject { return o.subject }

// GetOperation returns operation id bound to the subject.
func (o *Operated) GetOperation(id string) (*Bound, error) {
	f, err := o.runner.registry.Lookup(o.subject.SubjectKind(), id)
	if err != nil {
		return nil, err
	}
	return &Bound{op: f(o.subject), runner: o.runner}, nil
}

// HasOperation reports whether id is registered for the subject's kind.
func (o *Operated) HasOperation(id string) bool {
	_, err := o.runner.registry.Lookup(o.subject.SubjectKind(), id)
	return err == nil
}

// Available yields the operations user may call right now. Operations
// failing the authorization or precondition check are skipped.
func (o *Operated) Available(ctx context.Context, user *domain.User) iter.Seq[*Bound] {
	return func(yield func(*Bound) bool) {
		for _, id := range o.runner.registry.IDs(o.subject.SubjectKind()) {
			b, err := o.GetOperation(id)
			if err != nil {
				continue
			}
			if CheckAuth(b.op, user) != nil {
				continue
			}
			if b.op.CheckPrecondition(ctx) != nil {
				continue
			}
			if !yield(b) {
				return
			}
		}
	}
}

// ListAvailable collects Available.
func (o *Operated) ListAvailable(ctx context.Context, user *domain.User) []*Bound {
	var out []*Bound
	for b := range o.Available(ctx, user) {
		out = append(out, b)
	}
	return out
}

// Bound is an operation bound to its subject.
type Bound struct {
	op     Operation
	runner *Runner
}

// Operation returns the underlying operation.
func (b *Bound) Operation() Operation { return b.op }

// ID returns the operation id.
func (b *Bound) ID() string { return b.op.ID() }

// Call runs the operation and returns the body's result.
func (b *Bound) Call(ctx context.Context, opts CallOptions) (any, error) {
	exec, err := b.runner.Call(ctx, b.op, opts)
	if exec == nil {
		return nil, err
	}
	return exec.Result, err
}

// Execute runs the operation and returns its activity with the result.
func (b *Bound) Execute(ctx context.Context, opts CallOptions) (*Execution, error) {
	return b.runner.Call(ctx, b.op, opts)
}

// Async submits the operation body after synchronous checks.
func (b *Bound) Async(ctx context.Context, opts CallOptions) (*AsyncExecution, error) {
	return b.runner.Async(ctx, b.op, opts)
}
