// Package node provides the node (hypervisor host) service for the control plane.
// It manages node records, their cached remote metrics and the node operations.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
)

// Status is a node together with its remote metrics.
type Status struct {
	Node    *domain.Node       `json:"node"`
	Metrics domain.NodeMetrics `json:"metrics"`
}

// Service owns node records and the node operations.
type Service struct {
	repo      Repository
	instances InstanceRepository
	metrics   *MetricsService
	runner    *operation.Runner
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new Node service.
func NewService(
	repo Repository,
	instances InstanceRepository,
	metrics *MetricsService,
	runner *operation.Runner,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		instances: instances,
		metrics:   metrics,
		runner:    runner,
		logger:    logger.Named("node-service"),
		now:       time.Now,
	}
}

// RegisterOperations adds the node operations to the runner's registry.
func (s *Service) RegisterOperations() error {
	reg := s.runner.Registry()
	for _, f := range s.factories() {
		if err := reg.Register(domain.SubjectNode, f); err != nil {
			return err
		}
	}
	return nil
}

// Create registers a new node. Hostnames are unique.
func (s *Service) Create(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	logger := s.logger.With(
		zap.String("method", "Create"),
		zap.String("hostname", node.Hostname),
	)

	// Validate request
	if node.Hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", domain.ErrInvalidArgument)
	}

	// Check for duplicate hostname
	if _, err := s.repo.GetByHostname(ctx, node.Hostname); err == nil {
		return nil, fmt.Errorf("%w: node %s", domain.ErrAlreadyExists, node.Hostname)
	}

	// Build domain model with defaults
	out := node.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Name == "" {
		out.Name = out.Hostname
	}
	if out.Overcommit <= 0 {
		out.Overcommit = 1.0
	}
	now := s.now()
	out.CreatedAt = now
	out.UpdatedAt = now

	// Persist to repository
	created, err := s.repo.Create(ctx, out)
	if err != nil {
		logger.Error("Failed to create node", zap.Error(err))
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	logger.Info("Node registered", zap.String("node_id", created.ID))
	return created, nil
}

// Get returns a node by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Node, error) {
	return s.repo.Get(ctx, id)
}

// List returns every node.
func (s *Service) List(ctx context.Context) ([]*domain.Node, error) {
	return s.repo.List(ctx)
}

// Status returns a node with its cached metrics.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Served from cache when fresh, otherwise from the node agent
	metrics, err := s.metrics.Metrics(ctx, node)
	if err != nil {
		return nil, err
	}
	return &Status{Node: node, Metrics: metrics}, nil
}

// Subject loads the node as an operation subject.
func (s *Service) Subject(ctx context.Context, id string) (domain.Subject, error) {
	return s.repo.Get(ctx, id)
}

// Operations returns the operations bound to node.
func (s *Service) Operations(node *domain.Node) *operation.Operated {
	return s.runner.For(node)
}

// Call loads the node and runs operation opID on it synchronously.
func (s *Service) Call(ctx context.Context, id, opID string, opts operation.CallOptions) (*operation.Execution, error) {
	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := s.runner.For(node).GetOperation(opID)
	if err != nil {
		return nil, err
	}
	return b.Execute(ctx, opts)
}

func (s *Service) setEnabled(ctx context.Context, node *domain.Node, enabled bool) error {
	node.Enabled = enabled
	node.UpdatedAt = s.now()
	if _, err := s.repo.Update(ctx, node); err != nil {
		return fmt.Errorf("failed to update node %s: %w", node.ID, err)
	}
	// Scheduling must see the new flag right away
	s.metrics.Invalidate(ctx, node.ID)
	s.logger.Info("Node enabled state changed", zap.String("node_id", node.ID), zap.Bool("enabled", enabled))
	return nil
}
