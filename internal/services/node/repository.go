// Package node provides the node service for the control plane.
package node

import (
	"context"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// Repository defines the data access interface for nodes.
type Repository interface {
	// Create stores a new node and returns the created entity.
	Create(ctx context.Context, node *domain.Node) (*domain.Node, error)

	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*domain.Node, error)

	// GetByHostname retrieves a node by hostname.
	GetByHostname(ctx context.Context, hostname string) (*domain.Node, error)

	// List returns all nodes ordered by name.
	List(ctx context.Context) ([]*domain.Node, error)

	// Update updates an existing node.
	Update(ctx context.Context, node *domain.Node) (*domain.Node, error)
}

// InstanceRepository lists the instances assigned to a node.
type InstanceRepository interface {
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Instance, error)
}

// MetricsCache is the shared cache layer for remote node metrics.
// Get returns (nil, nil) on a miss.
type MetricsCache interface {
	GetNodeMetrics(ctx context.Context, nodeID string) (*domain.NodeMetrics, error)
	SetNodeMetrics(ctx context.Context, nodeID string, m domain.NodeMetrics, ttl time.Duration) error
	DeleteNodeMetrics(ctx context.Context, nodeID string) error
}

// Remote queries node agents.
type Remote interface {
	SubmitWithDefault(ctx context.Context, queue, task string, args map[string]any, timeout time.Duration, def map[string]any) (map[string]any, error)
	CheckQueueActive(ctx context.Context, hostname, queueID string) bool
}
