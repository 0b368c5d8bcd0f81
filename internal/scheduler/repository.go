// Package scheduler defines the data sources the scheduler reads.
package scheduler

import (
	"context"

	"github.com/circlecloud/circle/internal/domain"
)

// MetricsProvider returns the cached remote metrics of a node.
type MetricsProvider interface {
	Metrics(ctx context.Context, node *domain.Node) (domain.NodeMetrics, error)
}

// InstanceRepository defines the instance data access needed by the scheduler.
type InstanceRepository interface {
	// ListByNode returns the instances assigned to a node.
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Instance, error)
}
