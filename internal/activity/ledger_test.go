package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// =============================================================================
// MOCKS
// =============================================================================

type MockRepository struct {
	mu      sync.Mutex
	rows    map[string]*domain.Activity
	order   []string
	updates int
	failOn  string
}

func NewMockRepository() *MockRepository {
	return &MockRepository{rows: make(map[string]*domain.Activity)}
}

func (m *MockRepository) Create(ctx context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return errors.New("db down")
	}
	m.rows[a.ID] = a.Clone()
	m.order = append(m.order, a.ID)
	return nil
}

func (m *MockRepository) Update(ctx context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "update" {
		return errors.New("db down")
	}
	if _, ok := m.rows[a.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[a.ID] = a.Clone()
	m.updates++
	return nil
}

func (m *MockRepository) Get(ctx context.Context, id string) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MockRepository) List(ctx context.Context, filter domain.ActivityFilter) ([]*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Activity
	for i := len(m.order) - 1; i >= 0; i-- {
		a := m.rows[m.order[i]]
		if filter.SubjectID != "" && a.SubjectID != filter.SubjectID {
			continue
		}
		if filter.ParentID != "" && a.ParentID != filter.ParentID {
			continue
		}
		if filter.RootsOnly && a.ParentID != "" {
			continue
		}
		out = append(out, a.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockRepository) Count(ctx context.Context, filter domain.ActivityFilter) (int, error) {
	list, err := m.List(ctx, filter)
	return len(list), err
}

type MockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MockPublisher) PublishActivity(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type testSubject struct{ id string }

func (s testSubject) SubjectKind() domain.SubjectKind { return domain.SubjectInstance }
func (s testSubject) SubjectID() string               { return s.id }

func newTestLedger() (*Ledger, *MockRepository, *MockPublisher) {
	repo := NewMockRepository()
	pub := &MockPublisher{}
	return NewLedger(repo, zap.NewNop(), WithPublisher(pub)), repo, pub
}

// =============================================================================
// TESTS
// =============================================================================

func TestLedger_Create(t *testing.T) {
	ledger, repo, pub := newTestLedger()
	user := &domain.User{ID: "u1"}

	a, err := ledger.Create(context.Background(), "deploy", testSubject{id: "i1"}, "task-1", user)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if a.Code != "vm.Instance.deploy" {
		t.Errorf("Code = %q, want vm.Instance.deploy", a.Code)
	}
	if !a.IsRoot() {
		t.Error("expected root activity")
	}
	if a.UserID != "u1" || a.TaskID != "task-1" {
		t.Errorf("UserID/TaskID = %q/%q", a.UserID, a.TaskID)
	}
	if a.Succeeded != nil || a.Finished != nil {
		t.Error("new activity must not be finished")
	}
	if _, err := repo.Get(context.Background(), a.ID); err != nil {
		t.Errorf("activity not persisted: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].Type != EventCreated {
		t.Errorf("events = %+v, want one created event", pub.events)
	}
}

func TestLedger_CreateSystem(t *testing.T) {
	ledger, _, _ := newTestLedger()
	a, err := ledger.Create(context.Background(), "flush", nodeSubject{}, "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.UserID != "" {
		t.Errorf("UserID = %q, want empty for system activity", a.UserID)
	}
	if a.Code != "vm.Node.flush" {
		t.Errorf("Code = %q, want vm.Node.flush", a.Code)
	}
}

type nodeSubject struct{}

func (nodeSubject) SubjectKind() domain.SubjectKind { return domain.SubjectNode }
func (nodeSubject) SubjectID() string               { return "n1" }

func TestLedger_CreateSubPropagatesSubjectAndUser(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()
	parent, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", &domain.User{ID: "u1"})

	child, err := ledger.CreateSub(ctx, parent, "deploying_disks", "")
	if err != nil {
		t.Fatalf("CreateSub() error = %v", err)
	}

	if child.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", child.ParentID, parent.ID)
	}
	if child.SubjectKind != parent.SubjectKind || child.SubjectID != parent.SubjectID {
		t.Error("child subject must equal parent subject")
	}
	if child.UserID != parent.UserID {
		t.Errorf("UserID = %q, want %q", child.UserID, parent.UserID)
	}
	if child.Code != "vm.Instance.deploy.deploying_disks" {
		t.Errorf("Code = %q", child.Code)
	}
}

func TestLedger_FinishIsIdempotent(t *testing.T) {
	ledger, repo, _ := newTestLedger()
	ctx := context.Background()
	a, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", nil)

	if err := ledger.Finish(ctx, a, true, "done", nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	finished := *a.Finished

	time.Sleep(time.Millisecond)
	if err := ledger.Finish(ctx, a, false, "again", func(a *domain.Activity) {
		t.Error("callback must not run on second finish")
	}); err != nil {
		t.Fatalf("second Finish() error = %v", err)
	}

	if !*a.Succeeded || a.Result != "done" || !a.Finished.Equal(finished) {
		t.Errorf("second finish changed activity: succeeded=%v result=%q", *a.Succeeded, a.Result)
	}
	if repo.updates != 1 {
		t.Errorf("updates = %d, want 1", repo.updates)
	}
}

func TestLedger_FinishCallbackRunsBeforePersist(t *testing.T) {
	ledger, repo, _ := newTestLedger()
	ctx := context.Background()
	a, _ := ledger.Create(ctx, "shutdown", testSubject{id: "i1"}, "", nil)

	err := ledger.Finish(ctx, a, true, "", func(a *domain.Activity) {
		a.ResultantState = domain.Confirmed(domain.StateShutoff)
	})
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	stored, _ := repo.Get(ctx, a.ID)
	if st, ok := stored.ResultantState.IsConfirmed(); !ok || st != domain.StateShutoff {
		t.Errorf("stored resultant state = %v, want SHUTOFF", stored.ResultantState)
	}
}

func TestLedger_FinishPropagatesPersistenceFailure(t *testing.T) {
	ledger, repo, _ := newTestLedger()
	ctx := context.Background()
	a, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", nil)

	repo.failOn = "update"
	if err := ledger.Finish(ctx, a, true, "", nil); err == nil {
		t.Fatal("expected persistence error")
	}
}

func TestLedger_SubActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ledger, repo, _ := newTestLedger()
		parent, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", nil)

		var subID string
		err := ledger.SubActivity(ctx, parent, "deploying_vm", "", func(ctx context.Context, sub *domain.Activity) error {
			subID = sub.ID
			return nil
		})
		if err != nil {
			t.Fatalf("SubActivity() error = %v", err)
		}

		sub, _ := repo.Get(ctx, subID)
		if !sub.IsFinished() || !*sub.Succeeded {
			t.Errorf("sub-activity not finished as succeeded: %+v", sub)
		}
	})

	t.Run("failure", func(t *testing.T) {
		ledger, repo, _ := newTestLedger()
		parent, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", nil)
		boom := errors.New("disk full")

		var subID string
		err := ledger.SubActivity(ctx, parent, "deploying_disks", "", func(ctx context.Context, sub *domain.Activity) error {
			subID = sub.ID
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("SubActivity() error = %v, want %v", err, boom)
		}

		sub, _ := repo.Get(ctx, subID)
		if !sub.IsFinished() || *sub.Succeeded {
			t.Errorf("sub-activity not finished as failed: %+v", sub)
		}
		if sub.Result != "disk full" {
			t.Errorf("Result = %q, want %q", sub.Result, "disk full")
		}
	})

	t.Run("panic", func(t *testing.T) {
		ledger, repo, _ := newTestLedger()
		parent, _ := ledger.Create(ctx, "deploy", testSubject{id: "i1"}, "", nil)

		var subID string
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic to be re-raised")
				}
			}()
			_ = ledger.SubActivity(ctx, parent, "booting", "", func(ctx context.Context, sub *domain.Activity) error {
				subID = sub.ID
				panic("driver crashed")
			})
		}()

		sub, _ := repo.Get(ctx, subID)
		if !sub.IsFinished() || *sub.Succeeded {
			t.Errorf("sub-activity not finished as failed after panic: %+v", sub)
		}
	})
}

func TestLedger_TrackHooks(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger()

	a, _ := ledger.Create(ctx, "sleep", testSubject{id: "i1"}, "", nil)
	var hookErr error
	err := ledger.Track(ctx, a,
		func(ctx context.Context) error { return domain.ErrRemoteTimeout },
		func(a *domain.Activity) { t.Error("commit must not run on failure") },
		func(a *domain.Activity, err error) {
			hookErr = err
			a.ResultantState = domain.Unknown()
		},
	)
	if !errors.Is(err, domain.ErrRemoteTimeout) {
		t.Fatalf("Track() error = %v", err)
	}
	if !errors.Is(hookErr, domain.ErrRemoteTimeout) {
		t.Errorf("abort hook got %v", hookErr)
	}
	if !a.ResultantState.IsUnknown() || *a.Succeeded {
		t.Errorf("activity = %+v, want failed with unknown resultant state", a)
	}
}

func TestLedger_Latest(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger()
	subject := testSubject{id: "i1"}

	if _, err := ledger.Latest(ctx, subject); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Latest() on empty ledger error = %v, want ErrNotFound", err)
	}

	first, _ := ledger.Create(ctx, "deploy", subject, "", nil)
	_, _ = ledger.CreateSub(ctx, first, "deploying_vm", "")
	second, _ := ledger.Create(ctx, "shutdown", subject, "", nil)

	latest, err := ledger.Latest(ctx, subject)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Latest() = %s, want %s", latest.Code, second.Code)
	}
}
