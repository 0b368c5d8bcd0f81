package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

var (
	_ node.Repository         = (*NodeRepository)(nil)
	_ instance.NodeRepository = (*NodeRepository)(nil)
)

// NodeRepository is an in-memory implementation of the Node repository.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Node
}

// NewNodeRepository creates a new in-memory Node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.Node),
	}
}

// Create stores a new node. Hostnames are unique.
func (r *NodeRepository) Create(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Generate ID if not set
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	// Check for duplicate ID or hostname
	for _, existing := range r.data {
		if existing.ID == n.ID || existing.Hostname == n.Hostname {
			return nil, domain.ErrAlreadyExists
		}
	}

	// Set timestamps
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	// Clone to avoid external mutations
	r.data[n.ID] = n.Clone()
	return n.Clone(), nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(), nil
}

// GetByHostname retrieves a node by hostname.
func (r *NodeRepository) GetByHostname(ctx context.Context, hostname string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.data {
		if n.Hostname == hostname {
			return n.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns all nodes ordered by name.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Node, 0, len(r.data))
	for _, n := range r.data {
		result = append(result, n.Clone())
	}
	// Map iteration order is random; keep listings stable
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Update updates an existing node.
func (r *NodeRepository) Update(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[n.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	n.UpdatedAt = time.Now()
	r.data[n.ID] = n.Clone()
	return n.Clone(), nil
}
