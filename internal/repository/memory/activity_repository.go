package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/domain"
)

var _ activity.Repository = (*ActivityRepository)(nil)

// ActivityRepository is an in-memory activity store.
type ActivityRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Activity
	// seq orders activities started within the same clock tick.
	seq   map[string]int
	count int
}

// NewActivityRepository creates a new in-memory activity repository.
func NewActivityRepository() *ActivityRepository {
	return &ActivityRepository{
		data: make(map[string]*domain.Activity),
		seq:  make(map[string]int),
	}
}

// Create stores a new activity.
func (r *ActivityRepository) Create(ctx context.Context, a *domain.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[a.ID]; ok {
		return domain.ErrAlreadyExists
	}
	// Record insertion order for the tie-break in List
	r.count++
	r.seq[a.ID] = r.count
	r.data[a.ID] = a.Clone()
	return nil
}

// Update replaces an existing activity.
func (r *ActivityRepository) Update(ctx context.Context, a *domain.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.data[a.ID] = a.Clone()
	return nil
}

// Get retrieves an activity by ID.
func (r *ActivityRepository) Get(ctx context.Context, id string) (*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

// List returns the activities matching filter, newest first.
func (r *ActivityRepository) List(ctx context.Context, filter domain.ActivityFilter) ([]*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Activity
	for _, a := range r.data {
		if matchesActivityFilter(a, filter) {
			result = append(result, a.Clone())
		}
	}
	// Newest first; insertion order breaks ties
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Started.Equal(result[j].Started) {
			return result[i].Started.After(result[j].Started)
		}
		return r.seq[result[i].ID] > r.seq[result[j].ID]
	})
	// Apply limit
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Count returns the number of activities matching filter, ignoring its limit.
func (r *ActivityRepository) Count(ctx context.Context, filter domain.ActivityFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.data {
		if matchesActivityFilter(a, filter) {
			n++
		}
	}
	return n, nil
}

func matchesActivityFilter(a *domain.Activity, filter domain.ActivityFilter) bool {
	if filter.SubjectKind != "" && a.SubjectKind != filter.SubjectKind {
		return false
	}
	if filter.SubjectID != "" && a.SubjectID != filter.SubjectID {
		return false
	}
	if filter.ParentID != "" && a.ParentID != filter.ParentID {
		return false
	}
	if filter.RootsOnly && !a.IsRoot() {
		return false
	}
	if filter.Unfinished && a.IsFinished() {
		return false
	}
	return true
}
