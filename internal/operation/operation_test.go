package operation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

// =============================================================================
// MOCKS
// =============================================================================

// MockActivityRepository is a minimal activity.Repository.
type MockActivityRepository struct {
	mu   sync.Mutex
	rows map[string]*domain.Activity
}

func NewMockActivityRepository() *MockActivityRepository {
	return &MockActivityRepository{rows: make(map[string]*domain.Activity)}
}

func (m *MockActivityRepository) Create(ctx context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.ID] = a.Clone()
	return nil
}

func (m *MockActivityRepository) Update(ctx context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.ID] = a.Clone()
	return nil
}

func (m *MockActivityRepository) Get(ctx context.Context, id string) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MockActivityRepository) List(ctx context.Context, f domain.ActivityFilter) ([]*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Activity
	for _, a := range m.rows {
		if f.ParentID != "" && a.ParentID != f.ParentID {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

func (m *MockActivityRepository) Count(ctx context.Context, f domain.ActivityFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows), nil
}

// fakeSubject is an ACL-carrying subject.
type fakeSubject struct {
	id  string
	acl domain.ACL
}

func (s *fakeSubject) SubjectKind() domain.SubjectKind { return domain.SubjectInstance }
func (s *fakeSubject) SubjectID() string               { return s.id }
func (s *fakeSubject) HasLevel(u *domain.User, l domain.ACLLevel) bool {
	return s.acl.HasLevel(u, l)
}

// fakeOp is a configurable operation.
type fakeOp struct {
	Base
	subject      domain.Subject
	precondition error
	run          func(ctx context.Context, inv *Invocation) (any, error)
	committed    bool
	aborted      error
}

func (o *fakeOp) Subject() domain.Subject { return o.subject }

func (o *fakeOp) CheckPrecondition(ctx context.Context) error { return o.precondition }

func (o *fakeOp) Run(ctx context.Context, inv *Invocation) (any, error) {
	if o.run == nil {
		return "ok", nil
	}
	return o.run(ctx, inv)
}

func (o *fakeOp) OnCommit(act *domain.Activity) {
	o.committed = true
	act.ResultantState = domain.Confirmed(domain.StateRunning)
}

func (o *fakeOp) OnAbort(act *domain.Activity, err error) {
	o.aborted = err
	if domain.IsTimeout(err) {
		act.ResultantState = domain.Unknown()
		return
	}
	act.ResultantState = domain.Confirmed(domain.StateError)
}

type syncSubmitter struct {
	err error
}

func (s *syncSubmitter) SubmitAsync(ctx context.Context, queue string, job dispatcher.Job) (*dispatcher.JobHandle, error) {
	if s.err != nil {
		return nil, s.err
	}
	pool := dispatcher.NewWorkerPool(queue, 1, 1, zap.NewNop())
	h, err := pool.Enqueue(job)
	go pool.Stop(context.Background())
	return h, err
}

func newTestRunner() (*Runner, *MockActivityRepository) {
	repo := NewMockActivityRepository()
	ledger := activity.NewLedger(repo, zap.NewNop())
	return NewRunner(NewRegistry(), ledger, &syncSubmitter{}, zap.NewNop()), repo
}

func owner() *domain.User {
	return &domain.User{ID: "owner", Username: "owner", Role: domain.RoleOperator}
}

func newOp(subject domain.Subject) *fakeOp {
	return &fakeOp{
		Base: Base{
			OpID:   "deploy",
			Level:  domain.ACLOwner,
			Perms:  []domain.Permission{domain.PermissionInstancePower},
			Queue:  "localhost.man",
			Params: []string{"to_node"},
		},
		subject: subject,
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRunner_CallSuccess(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
	op := newOp(subject)

	exec, err := r.Call(context.Background(), op, CallOptions{User: owner()})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if exec.Result != "ok" {
		t.Errorf("Result = %v, want ok", exec.Result)
	}
	if !op.committed {
		t.Error("OnCommit did not run")
	}

	stored, _ := repo.Get(context.Background(), exec.Activity.ID)
	if !stored.IsFinished() || !*stored.Succeeded {
		t.Errorf("activity not finished as succeeded: %+v", stored)
	}
	if st, ok := stored.ResultantState.IsConfirmed(); !ok || st != domain.StateRunning {
		t.Errorf("resultant state = %v, want RUNNING", stored.ResultantState)
	}
	if stored.Code != "vm.Instance.deploy" || stored.UserID != "owner" {
		t.Errorf("activity = %+v", stored)
	}
}

func TestRunner_CallAuthorization(t *testing.T) {
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	tests := []struct {
		name    string
		user    *domain.User
		system  bool
		wantErr bool
	}{
		{name: "owner with permission", user: owner()},
		{name: "no user", user: nil, wantErr: true},
		{name: "stranger", user: &domain.User{ID: "x", Role: domain.RoleOperator}, wantErr: true},
		{name: "owner without permission", user: &domain.User{ID: "owner", Role: domain.RoleViewer}, wantErr: true},
		{name: "superuser without permission", user: &domain.User{ID: "root", IsSuperuser: true}, wantErr: true},
		{name: "superuser with permission", user: &domain.User{ID: "root", IsSuperuser: true, Role: domain.RoleAdmin}},
		{name: "system ignores auth", user: &domain.User{ID: "x"}, system: true},
		{name: "system without user", user: nil, system: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo := newTestRunner()
			_, err := r.Call(context.Background(), newOp(subject), CallOptions{User: tt.user, System: tt.system})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Call() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, domain.ErrPermissionDenied) {
					t.Errorf("error = %v, want ErrPermissionDenied", err)
				}
				if n, _ := repo.Count(context.Background(), domain.ActivityFilter{}); n != 0 {
					t.Errorf("activities = %d, want 0 after auth failure", n)
				}
			}
		})
	}
}

func TestRunner_PreconditionCreatesNoActivity(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
	op := newOp(subject)
	op.precondition = domain.ErrInstanceDestroyed

	_, err := r.Call(context.Background(), op, CallOptions{User: owner()})
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("Call() error = %v, want precondition error", err)
	}
	if n, _ := repo.Count(context.Background(), domain.ActivityFilter{}); n != 0 {
		t.Errorf("activities = %d, want 0", n)
	}
}

func TestRunner_UnexpectedArgument(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
	op := newOp(subject)
	op.run = func(ctx context.Context, inv *Invocation) (any, error) {
		t.Error("body must not run")
		return nil, nil
	}

	_, err := r.Call(context.Background(), op, CallOptions{User: owner(), Params: Params{"to_node": "n2", "force": true}})
	if !errors.Is(err, domain.ErrUnexpectedArgument) {
		t.Fatalf("Call() error = %v, want ErrUnexpectedArgument", err)
	}
	if domain.Classify(err) != domain.ErrorClassContract {
		t.Errorf("Classify() = %s, want contract", domain.Classify(err))
	}
	if n, _ := repo.Count(context.Background(), domain.ActivityFilter{}); n != 0 {
		t.Errorf("activities = %d, want 0", n)
	}
}

func TestRunner_BodyFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState domain.ResultantState
	}{
		{name: "timeout", err: domain.ErrRemoteTimeout, wantState: domain.Unknown()},
		{name: "other", err: errors.New("libvirt error"), wantState: domain.Confirmed(domain.StateError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo := newTestRunner()
			subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
			op := newOp(subject)
			op.run = func(ctx context.Context, inv *Invocation) (any, error) { return nil, tt.err }

			exec, err := r.Call(context.Background(), op, CallOptions{User: owner()})
			if !errors.Is(err, tt.err) {
				t.Fatalf("Call() error = %v, want %v", err, tt.err)
			}
			if op.committed {
				t.Error("OnCommit must not run on failure")
			}

			stored, _ := repo.Get(context.Background(), exec.Activity.ID)
			if !stored.IsFinished() || *stored.Succeeded {
				t.Errorf("activity not finished as failed: %+v", stored)
			}
			if stored.ResultantState != tt.wantState {
				t.Errorf("resultant state = %v, want %v", stored.ResultantState, tt.wantState)
			}
			if stored.Result != tt.err.Error() {
				t.Errorf("Result = %q, want %q", stored.Result, tt.err.Error())
			}
		})
	}
}

func TestRunner_ParentActivity(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
	parent, _ := r.Ledger().Create(ctx, "wake_up", subject, "", owner())

	exec, err := r.Call(ctx, newOp(subject), CallOptions{User: owner(), ParentActivity: parent})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if exec.Activity.ParentID != parent.ID || exec.Activity.Code != "vm.Instance.wake_up.deploy" {
		t.Errorf("child activity = %+v", exec.Activity)
	}

	other := &fakeSubject{id: "i2", acl: domain.ACL{OwnerID: "owner"}}
	if _, err := r.Call(ctx, newOp(other), CallOptions{User: owner(), ParentActivity: parent}); !errors.Is(err, domain.ErrInvalidParentActivity) {
		t.Errorf("foreign subject error = %v, want ErrInvalidParentActivity", err)
	}

	if _, err := r.Call(ctx, newOp(subject), CallOptions{System: true, ParentActivity: parent}); !errors.Is(err, domain.ErrInvalidParentActivity) {
		t.Errorf("foreign user error = %v, want ErrInvalidParentActivity", err)
	}
}

func TestRunner_FinishedParentRejected(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}
	parent, _ := r.Ledger().Create(ctx, "wake_up", subject, "", owner())
	if err := r.Ledger().Finish(ctx, parent, true, "", nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	_, err := r.Call(ctx, newOp(subject), CallOptions{User: owner(), ParentActivity: parent})
	if !errors.Is(err, domain.ErrInvalidParentActivity) {
		t.Errorf("Call() error = %v, want ErrInvalidParentActivity", err)
	}
	if children, _ := repo.List(ctx, domain.ActivityFilter{ParentID: parent.ID}); len(children) != 0 {
		t.Errorf("children of finished parent = %d, want 0", len(children))
	}
}

func TestRunner_OutcomeHandlers(t *testing.T) {
	r, _ := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	var seen []*domain.Activity
	r.OnOutcome(domain.SubjectInstance, func(ctx context.Context, act *domain.Activity) error {
		seen = append(seen, act)
		return nil
	})
	r.OnOutcome(domain.SubjectNode, func(ctx context.Context, act *domain.Activity) error {
		t.Error("node handler must not run for instances")
		return nil
	})

	if _, err := r.Call(context.Background(), newOp(subject), CallOptions{User: owner()}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(seen) != 1 || !seen[0].IsFinished() {
		t.Fatalf("outcome handler saw %v", seen)
	}

	failing := newOp(subject)
	failing.run = func(ctx context.Context, inv *Invocation) (any, error) { return nil, errors.New("boom") }
	_, _ = r.Call(context.Background(), failing, CallOptions{User: owner()})
	if len(seen) != 2 {
		t.Errorf("outcome handler must also run after failure, calls = %d", len(seen))
	}
}

func TestRunner_Async(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	release := make(chan struct{})
	op := newOp(subject)
	op.run = func(ctx context.Context, inv *Invocation) (any, error) {
		<-release
		return nil, nil
	}

	exec, err := r.Async(context.Background(), op, CallOptions{User: owner()})
	if err != nil {
		t.Fatalf("Async() error = %v", err)
	}
	if exec.Activity.TaskID == "" || exec.Activity.TaskID != exec.Handle.ID {
		t.Errorf("activity task id %q does not match handle %q", exec.Activity.TaskID, exec.Handle.ID)
	}
	if stored, _ := repo.Get(context.Background(), exec.Activity.ID); stored.IsFinished() {
		t.Error("activity must be open while the body runs")
	}

	close(release)
	select {
	case <-exec.Handle.Done():
	case <-time.After(time.Second):
		t.Fatal("async body did not finish")
	}
	if stored, _ := repo.Get(context.Background(), exec.Activity.ID); !stored.IsFinished() || !*stored.Succeeded {
		t.Errorf("activity after async body = %+v", stored)
	}
}

// The returned activity is a snapshot; the worker keeps writing its own copy.
// Run with -race.
func TestRunner_AsyncActivityIsSnapshot(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	exec, err := r.Async(context.Background(), newOp(subject), CallOptions{User: owner()})
	if err != nil {
		t.Fatalf("Async() error = %v", err)
	}

	done := exec.Handle.Done()
	deadline := time.After(time.Second)
	for finished := false; !finished; {
		if _, err := json.Marshal(exec.Activity); err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		select {
		case <-done:
			finished = true
		case <-deadline:
			t.Fatal("async body did not finish")
		default:
		}
	}

	if exec.Activity.IsFinished() {
		t.Error("returned activity must not change after Async returns")
	}
	if stored, _ := repo.Get(context.Background(), exec.Activity.ID); !stored.IsFinished() {
		t.Errorf("stored activity = %+v, want finished", stored)
	}
}

func TestRunner_AsyncChecksAreSynchronous(t *testing.T) {
	r, repo := newTestRunner()
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	op := newOp(subject)
	op.precondition = domain.ErrWrongState
	if _, err := r.Async(context.Background(), op, CallOptions{User: owner()}); !errors.Is(err, domain.ErrWrongState) {
		t.Errorf("Async() error = %v, want ErrWrongState", err)
	}
	if _, err := r.Async(context.Background(), newOp(subject), CallOptions{User: &domain.User{ID: "x"}}); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("Async() error = %v, want ErrPermissionDenied", err)
	}
	if n, _ := repo.Count(context.Background(), domain.ActivityFilter{}); n != 0 {
		t.Errorf("activities = %d, want 0", n)
	}
}

func TestRunner_AsyncSubmitFailureFinishesActivity(t *testing.T) {
	repo := NewMockActivityRepository()
	r := NewRunner(NewRegistry(), activity.NewLedger(repo, zap.NewNop()),
		&syncSubmitter{err: domain.ErrResourceExhausted}, zap.NewNop())
	subject := &fakeSubject{id: "i1", acl: domain.ACL{OwnerID: "owner"}}

	_, err := r.Async(context.Background(), newOp(subject), CallOptions{User: owner()})
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("Async() error = %v", err)
	}
	list, _ := repo.List(context.Background(), domain.ActivityFilter{})
	if len(list) != 1 || !list[0].IsFinished() || *list[0].Succeeded {
		t.Errorf("activity after failed submit = %+v", list)
	}
}
