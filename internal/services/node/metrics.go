package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

// MetricsConfig holds the cache lifetimes of node metrics.
type MetricsConfig struct {
	// LocalTTL bounds the in-process cache.
	LocalTTL time.Duration
	// SharedTTL bounds the shared cache for online nodes.
	SharedTTL time.Duration
	// OfflineTTL bounds the shared cache for offline nodes.
	OfflineTTL time.Duration
	// QueryTimeout bounds the remote node_info call.
	QueryTimeout time.Duration
}

type localEntry struct {
	metrics   domain.NodeMetrics
	expiresAt time.Time
}

// MetricsService reads node metrics through an in-process cache layered over
// a shared cache layered over the node agent.
type MetricsService struct {
	shared MetricsCache
	remote Remote
	config MetricsConfig
	logger *zap.Logger
	now    func() time.Time

	// group coalesces concurrent misses for the same node.
	group singleflight.Group

	mu    sync.Mutex
	local map[string]localEntry
}

// NewMetricsService creates a metrics service. shared may be nil.
func NewMetricsService(shared MetricsCache, remote Remote, config MetricsConfig, logger *zap.Logger) *MetricsService {
	return &MetricsService{
		shared: shared,
		remote: remote,
		config: config,
		logger: logger.Named("node-metrics"),
		now:    time.Now,
		local:  make(map[string]localEntry),
	}
}

// Metrics returns the cores, RAM and online status of node.
func (m *MetricsService) Metrics(ctx context.Context, node *domain.Node) (domain.NodeMetrics, error) {
	if cached, ok := m.getLocal(node.ID); ok {
		return cached, nil
	}

	// The load is shared by every waiter, so it must not stop with the first caller.
	ch := m.group.DoChan(node.ID, func() (any, error) {
		return m.load(context.WithoutCancel(ctx), node), nil
	})
	select {
	case res := <-ch:
		return res.Val.(domain.NodeMetrics), nil
	case <-ctx.Done():
		return domain.NodeMetrics{}, ctx.Err()
	}
}

// load reads through the shared cache to the node agent and fills both caches.
func (m *MetricsService) load(ctx context.Context, node *domain.Node) domain.NodeMetrics {
	if m.shared != nil {
		cached, err := m.shared.GetNodeMetrics(ctx, node.ID)
		if err != nil {
			m.logger.Warn("Failed to read metrics cache", zap.String("node_id", node.ID), zap.Error(err))
		} else if cached != nil {
			m.setLocal(node.ID, *cached)
			return *cached
		}
	}

	metrics, determined := m.fetch(ctx, node)
	if !determined {
		// Do not pin a node offline because the registry was slow to answer.
		return metrics
	}

	if m.shared != nil {
		ttl := m.config.SharedTTL
		if !metrics.Online {
			ttl = m.config.OfflineTTL
		}
		if err := m.shared.SetNodeMetrics(ctx, node.ID, metrics, ttl); err != nil {
			m.logger.Warn("Failed to write metrics cache", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
	m.setLocal(node.ID, metrics)
	return metrics
}

// Online reports whether the node's vm queue is serviced.
func (m *MetricsService) Online(ctx context.Context, node *domain.Node) bool {
	metrics, _ := m.Metrics(ctx, node)
	return metrics.Online
}

// Invalidate drops the cached metrics of a node.
func (m *MetricsService) Invalidate(ctx context.Context, nodeID string) {
	m.mu.Lock()
	delete(m.local, nodeID)
	m.mu.Unlock()

	if m.shared != nil {
		if err := m.shared.DeleteNodeMetrics(ctx, nodeID); err != nil {
			m.logger.Warn("Failed to invalidate metrics cache", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

// fetch queries the node agent. A node whose vm queue is not serviced is
// offline and is not queried. determined is false when the queue check ran
// out of time, in which case the node is reported offline but not cached.
func (m *MetricsService) fetch(ctx context.Context, node *domain.Node) (metrics domain.NodeMetrics, determined bool) {
	metrics = domain.NodeMetrics{FetchedAt: m.now()}

	checkCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.config.QueryTimeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, m.config.QueryTimeout)
	}
	active := m.remote.CheckQueueActive(checkCtx, node.Hostname, dispatcher.DriverVM)
	expired := checkCtx.Err() != nil
	cancel()

	if !active {
		if expired {
			m.logger.Warn("Queue check timed out", zap.String("node_id", node.ID), zap.String("hostname", node.Hostname))
			return metrics, false
		}
		m.logger.Debug("Node offline", zap.String("node_id", node.ID), zap.String("hostname", node.Hostname))
		return metrics, true
	}
	metrics.Online = true

	queue := dispatcher.QueueName(node.Hostname, dispatcher.DriverVM)
	res, err := m.remote.SubmitWithDefault(ctx, queue, dispatcher.TaskNodeInfo, nil, m.config.QueryTimeout, map[string]any{})
	if err != nil {
		m.logger.Warn("Failed to query node info", zap.String("node_id", node.ID), zap.Error(err))
		return metrics, true
	}
	metrics.Cores = int(toInt64(res["cores"]))
	metrics.RAMBytes = toInt64(res["ram_bytes"])
	return metrics, true
}

func (m *MetricsService) getLocal(nodeID string) (domain.NodeMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.local[nodeID]
	if !ok || !m.now().Before(e.expiresAt) {
		return domain.NodeMetrics{}, false
	}
	return e.metrics, true
}

func (m *MetricsService) setLocal(nodeID string, metrics domain.NodeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[nodeID] = localEntry{metrics: metrics, expiresAt: m.now().Add(m.config.LocalTTL)}
}

// toInt64 accepts the numeric types a decoded task reply may carry.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
