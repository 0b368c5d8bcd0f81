// Package scheduler implements instance placement logic.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// Scheduler selects the node an instance is deployed or migrated to.
type Scheduler struct {
	metrics      MetricsProvider
	instanceRepo InstanceRepository
	config       Config
	logger       *zap.Logger
}

// New creates a new Scheduler instance.
func New(metrics MetricsProvider, instanceRepo InstanceRepository, config Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		metrics:      metrics,
		instanceRepo: instanceRepo,
		config:       config,
		logger:       logger.With(zap.String("component", "scheduler")),
	}
}

// nodeUsage is the load already placed on a node.
type nodeUsage struct {
	cores     float64
	memoryMiB float64
	instances int
}

type candidate struct {
	node    *domain.Node
	metrics domain.NodeMetrics
	usage   nodeUsage
	score   float64
}

// SelectNode returns the best of candidates for inst.
func (s *Scheduler) SelectNode(ctx context.Context, inst *domain.Instance, candidates []*domain.Node) (*domain.Node, error) {
	logger := s.logger.With(
		zap.String("instance_id", inst.ID),
		zap.Int("requested_cores", inst.Cores),
		zap.Int("requested_memory_mib", inst.RAMSize),
	)
	logger.Debug("Starting scheduling for instance", zap.Int("candidates", len(candidates)))

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate nodes", domain.ErrNoSchedulableNode)
	}

	// Phase 1: Filter nodes by predicates
	var feasible []candidate
	for _, node := range candidates {
		c, ok := s.checkPredicates(ctx, node, inst)
		if ok {
			feasible = append(feasible, c)
		}
	}

	if len(feasible) == 0 {
		logger.Warn("No nodes satisfy scheduling requirements", zap.Int("total_nodes", len(candidates)))
		return nil, fmt.Errorf("%w: checked %d nodes", domain.ErrNoSchedulableNode, len(candidates))
	}

	// Phase 2: Score feasible nodes
	for i := range feasible {
		feasible[i].score = s.scoreNode(&feasible[i])
	}

	// Priority first, then score, then name for a stable order.
	sort.Slice(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		if a.node.Priority != b.node.Priority {
			return a.node.Priority > b.node.Priority
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.node.Name < b.node.Name
	})

	best := feasible[0]
	logger.Info("Scheduled instance",
		zap.String("node_id", best.node.ID),
		zap.String("hostname", best.node.Hostname),
		zap.Float64("score", best.score),
		zap.Int("feasible_nodes", len(feasible)),
	)
	return best.node, nil
}

// checkPredicates applies hard constraints to filter out unsuitable nodes.
func (s *Scheduler) checkPredicates(ctx context.Context, node *domain.Node, inst *domain.Instance) (candidate, bool) {
	c := candidate{node: node}

	// Predicate 1: Node must be enabled
	if !node.Enabled {
		s.logger.Debug("Node disabled", zap.String("node_id", node.ID))
		return c, false
	}

	// Predicate 2: Node must declare every required trait
	if !node.HasTraits(inst.RequiredTraits) {
		s.logger.Debug("Node lacks required traits",
			zap.String("node_id", node.ID),
			zap.Strings("required", inst.RequiredTraits),
			zap.Strings("declared", node.Traits),
		)
		return c, false
	}

	// Predicate 3: Node must be online
	metrics, err := s.metrics.Metrics(ctx, node)
	if err != nil || !metrics.Online {
		s.logger.Debug("Node offline", zap.String("node_id", node.ID), zap.Error(err))
		return c, false
	}
	c.metrics = metrics
	c.usage = s.getNodeUsage(ctx, node.ID, inst.ID)

	// Predicate 4: Sufficient CPU
	allocatableCPU := s.getAllocatableCPU(metrics)
	if float64(inst.Cores) > allocatableCPU-c.usage.cores {
		s.logger.Debug("Insufficient CPU",
			zap.String("node_id", node.ID),
			zap.Float64("allocatable", allocatableCPU),
			zap.Float64("used", c.usage.cores),
		)
		return c, false
	}

	// Predicate 5: Sufficient memory
	allocatableMem := s.getAllocatableMemory(node, metrics)
	if float64(inst.RAMSize) > allocatableMem-c.usage.memoryMiB {
		s.logger.Debug("Insufficient memory",
			zap.String("node_id", node.ID),
			zap.Float64("allocatable_mib", allocatableMem),
			zap.Float64("used_mib", c.usage.memoryMiB),
		)
		return c, false
	}

	return c, true
}

// scoreNode calculates a score for the node based on the placement strategy.
func (s *Scheduler) scoreNode(c *candidate) float64 {
	var score float64

	switch s.config.PlacementStrategy {
	case "pack":
		// Prefer nodes with more instances (bin-packing)
		score = float64(c.usage.instances) * 10.0
		if score > 100 {
			score = 100
		}
	default:
		// Prefer nodes with fewer instances (spread)
		score = 100.0 - float64(c.usage.instances)*5.0
		if score < 0 {
			score = 0
		}
	}

	// Free memory breaks ties between equally loaded nodes.
	if allocatable := s.getAllocatableMemory(c.node, c.metrics); allocatable > 0 {
		score += (allocatable - c.usage.memoryMiB) / allocatable
	}
	return score
}

// getAllocatableCPU returns the allocatable CPU cores of a node.
func (s *Scheduler) getAllocatableCPU(m domain.NodeMetrics) float64 {
	total := float64(m.Cores - s.config.ReservedCPUCores)
	if total < 0 {
		total = 0
	}
	return total * s.config.OvercommitCPU
}

// getAllocatableMemory returns the allocatable memory in MiB of a node.
func (s *Scheduler) getAllocatableMemory(node *domain.Node, m domain.NodeMetrics) float64 {
	total := float64(m.RAMMiB() - int64(s.config.ReservedMemoryMiB))
	if total < 0 {
		total = 0
	}
	overcommit := node.Overcommit
	if overcommit <= 0 {
		overcommit = s.config.OvercommitMemory
	}
	return total * overcommit
}

// getNodeUsage sums the resources of instances assigned to the node,
// skipping the instance being placed.
func (s *Scheduler) getNodeUsage(ctx context.Context, nodeID, skipID string) nodeUsage {
	var u nodeUsage
	instances, err := s.instanceRepo.ListByNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("Failed to get instances for node", zap.String("node_id", nodeID), zap.Error(err))
		return u
	}
	for _, inst := range instances {
		if inst.ID == skipID {
			continue
		}
		u.cores += float64(inst.Cores)
		u.memoryMiB += float64(inst.RAMSize)
		u.instances++
	}
	return u
}
