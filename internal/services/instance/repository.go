// Package instance provides the instance lifecycle operations for the control plane.
package instance

import (
	"context"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// Repository defines the data access interface for instances.
// This interface allows swapping between different storage backends
// (PostgreSQL, in-memory) without changing the service logic.
type Repository interface {
	// Create stores a new instance and returns the created entity.
	Create(ctx context.Context, inst *domain.Instance) (*domain.Instance, error)

	// Get retrieves an instance by ID.
	Get(ctx context.Context, id string) (*domain.Instance, error)

	// List returns the instances matching the filter.
	List(ctx context.Context, filter Filter) ([]*domain.Instance, error)

	// Update stores every field of an existing instance.
	Update(ctx context.Context, inst *domain.Instance) (*domain.Instance, error)

	// ListByNode returns all instances assigned to a node.
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Instance, error)

	// UsedVNCPorts returns the VNC ports held by instances assigned to a node.
	UsedVNCPorts(ctx context.Context) ([]int, error)
}

// Filter defines filtering options for listing instances.
type Filter struct {
	// OwnerID filters by owner.
	OwnerID string

	// NodeID filters by assigned node.
	NodeID string

	// States filters by stored state.
	States []domain.InstanceState

	// IncludeDestroyed also returns destroyed instances.
	IncludeDestroyed bool
}

// NodeRepository is the node data the instance operations read.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
}

// NodeScheduler selects the node an instance runs on.
type NodeScheduler interface {
	SelectNode(ctx context.Context, inst *domain.Instance, candidates []*domain.Node) (*domain.Node, error)
}

// Remote submits tasks to per-node queues and waits for the reply.
type Remote interface {
	Submit(ctx context.Context, queue, task string, args map[string]any, timeout time.Duration) (map[string]any, error)
}
