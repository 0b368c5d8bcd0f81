package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/instance"
)

func TestInstanceRepository_Filters(t *testing.T) {
	repo := NewInstanceRepository()
	ctx := context.Background()
	destroyed := time.Now()

	fixtures := []*domain.Instance{
		{ID: "a", NodeID: "n1", VNCPort: 20000, State: domain.StateRunning, ACL: domain.ACL{OwnerID: "u1"}},
		{ID: "b", NodeID: "n1", VNCPort: 20001, State: domain.StateRunning, ACL: domain.ACL{OwnerID: "u2"}},
		{ID: "c", State: domain.StateShutoff, ACL: domain.ACL{OwnerID: "u1"}},
		{ID: "d", State: domain.StateDestroyed, Destroyed: &destroyed},
	}
	for _, inst := range fixtures {
		if _, err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create(%s) error = %v", inst.ID, err)
		}
	}
	if _, err := repo.Create(ctx, &domain.Instance{ID: "a"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v", err)
	}

	tests := []struct {
		name   string
		filter instance.Filter
		want   int
	}{
		{"live", instance.Filter{}, 3},
		{"with destroyed", instance.Filter{IncludeDestroyed: true}, 4},
		{"owner", instance.Filter{OwnerID: "u1"}, 2},
		{"node", instance.Filter{NodeID: "n1"}, 2},
		{"state", instance.Filter{States: []domain.InstanceState{domain.StateShutoff}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d, want %d", len(got), tt.want)
			}
		})
	}

	ports, _ := repo.UsedVNCPorts(ctx)
	if len(ports) != 2 || ports[0] != 20000 || ports[1] != 20001 {
		t.Errorf("UsedVNCPorts() = %v", ports)
	}
}

func TestInstanceRepository_ReturnsCopies(t *testing.T) {
	repo := NewInstanceRepository()
	ctx := context.Background()
	inst, _ := repo.Create(ctx, &domain.Instance{ID: "a", Disks: []domain.Disk{{ID: "d1"}}})

	inst.Disks[0].Ready = true
	got, _ := repo.Get(ctx, "a")
	if got.Disks[0].Ready {
		t.Error("mutation of returned instance leaked into the store")
	}
}

func TestActivityRepository_Ordering(t *testing.T) {
	repo := NewActivityRepository()
	ctx := context.Background()
	now := time.Now()

	acts := []*domain.Activity{
		{ID: "1", SubjectKind: domain.SubjectInstance, SubjectID: "a", Started: now},
		{ID: "2", SubjectKind: domain.SubjectInstance, SubjectID: "a", ParentID: "1", Started: now},
		{ID: "3", SubjectKind: domain.SubjectInstance, SubjectID: "a", Started: now},
		{ID: "4", SubjectKind: domain.SubjectNode, SubjectID: "n1", Started: now.Add(-time.Minute)},
	}
	for _, a := range acts {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create(%s) error = %v", a.ID, err)
		}
	}

	roots, _ := repo.List(ctx, domain.ActivityFilter{SubjectKind: domain.SubjectInstance, SubjectID: "a", RootsOnly: true})
	if len(roots) != 2 || roots[0].ID != "3" || roots[1].ID != "1" {
		t.Errorf("roots = %v, want [3 1]", ids(roots))
	}

	latest, _ := repo.List(ctx, domain.ActivityFilter{Limit: 1})
	if len(latest) != 1 || latest[0].ID != "3" {
		t.Errorf("latest = %v, want [3]", ids(latest))
	}

	n, _ := repo.Count(ctx, domain.ActivityFilter{ParentID: "1"})
	if n != 1 {
		t.Errorf("Count(children) = %d, want 1", n)
	}

	finished := now
	acts[1].Finished = &finished
	if err := repo.Update(ctx, acts[1]); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	open, _ := repo.List(ctx, domain.ActivityFilter{Unfinished: true})
	if len(open) != 3 {
		t.Errorf("unfinished = %v, want 3 entries", ids(open))
	}
}

func ids(acts []*domain.Activity) []string {
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.ID)
	}
	return out
}
