// Package memory provides in-memory repository implementations for development and testing.
// These repositories store data in memory and are not persistent across restarts.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

// Ensure InstanceRepository implements the interfaces its consumers need.
var (
	_ instance.Repository     = (*InstanceRepository)(nil)
	_ node.InstanceRepository = (*InstanceRepository)(nil)
)

// InstanceRepository is an in-memory implementation of the instance repository.
type InstanceRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Instance
}

// NewInstanceRepository creates a new in-memory instance repository.
func NewInstanceRepository() *InstanceRepository {
	return &InstanceRepository{
		data: make(map[string]*domain.Instance),
	}
}

// Create stores a new instance.
func (r *InstanceRepository) Create(ctx context.Context, inst *domain.Instance) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Generate ID if not set
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if _, ok := r.data[inst.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	// Set timestamps
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	// Clone to avoid external mutations
	r.data[inst.ID] = inst.Clone()
	return inst.Clone(), nil
}

// Get retrieves an instance by ID.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return inst.Clone(), nil
}

// List returns the instances matching filter, newest first.
func (r *InstanceRepository) List(ctx context.Context, filter instance.Filter) ([]*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Instance
	for _, inst := range r.data {
		if matchesInstanceFilter(inst, filter) {
			result = append(result, inst.Clone())
		}
	}

	// Sort by creation time (newest first), ID breaks ties
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Update replaces an existing instance.
func (r *InstanceRepository) Update(ctx context.Context, inst *domain.Instance) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[inst.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	inst.UpdatedAt = time.Now()
	r.data[inst.ID] = inst.Clone()
	return inst.Clone(), nil
}

// ListByNode returns the live instances assigned to a node.
func (r *InstanceRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.Instance, error) {
	return r.List(ctx, instance.Filter{NodeID: nodeID})
}

// UsedVNCPorts returns the ports held by instances with a node.
func (r *InstanceRepository) UsedVNCPorts(ctx context.Context) ([]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ports []int
	for _, inst := range r.data {
		// Suspended instances keep no port
		if inst.NodeID != "" && inst.VNCPort != 0 {
			ports = append(ports, inst.VNCPort)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

// matchesInstanceFilter checks if an instance matches the given filter criteria.
func matchesInstanceFilter(inst *domain.Instance, filter instance.Filter) bool {
	// Destroyed instances are hidden unless asked for
	if inst.IsDestroyed() && !filter.IncludeDestroyed {
		return false
	}
	// Owner filter
	if filter.OwnerID != "" && inst.ACL.OwnerID != filter.OwnerID {
		return false
	}
	// Node filter
	if filter.NodeID != "" && inst.NodeID != filter.NodeID {
		return false
	}
	// State filter
	if len(filter.States) > 0 && !slices.Contains(filter.States, inst.State) {
		return false
	}
	return true
}
