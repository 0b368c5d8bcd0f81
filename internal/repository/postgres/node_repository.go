package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

var (
	_ node.Repository         = (*NodeRepository)(nil)
	_ instance.NodeRepository = (*NodeRepository)(nil)
)

const nodeColumns = `id, name, hostname, enabled, priority, overcommit, traits, created_at, updated_at`

// NodeRepository implements node.Repository using PostgreSQL.
type NodeRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL Node repository.
func NewNodeRepository(db *DB, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "node")),
	}
}

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	// Serialize traits to JSON
	traits, err := json.Marshal(nonNil(n.Traits))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal traits: %w", err)
	}

	err = r.db.pool.QueryRow(ctx, `
		INSERT INTO nodes (id, name, hostname, enabled, priority, overcommit, traits)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		n.ID, n.Name, n.Hostname, n.Enabled, n.Priority, n.Overcommit, traits,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create node", zap.String("hostname", n.Hostname), zap.Error(err))
		return nil, mapError(err, "insert node")
	}

	r.logger.Info("Created node", zap.String("id", n.ID), zap.String("hostname", n.Hostname))
	return n.Clone(), nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	n, err := scanNode(r.db.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get node")
	}
	return n, nil
}

// GetByHostname retrieves a node by hostname.
func (r *NodeRepository) GetByHostname(ctx context.Context, hostname string) (*domain.Node, error) {
	n, err := scanNode(r.db.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hostname = $1`, hostname))
	if err != nil {
		return nil, mapError(err, "get node")
	}
	return n, nil
}

// List returns all nodes ordered by name.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "list nodes")
	}
	defer rows.Close()

	var result []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// Update updates an existing node.
func (r *NodeRepository) Update(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	traits, err := json.Marshal(nonNil(n.Traits))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal traits: %w", err)
	}

	err = r.db.pool.QueryRow(ctx, `
		UPDATE nodes SET name = $2, hostname = $3, enabled = $4, priority = $5,
			overcommit = $6, traits = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		n.ID, n.Name, n.Hostname, n.Enabled, n.Priority, n.Overcommit, traits,
	).Scan(&n.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "update node")
	}
	return n.Clone(), nil
}

func scanNode(row rowScanner) (*domain.Node, error) {
	n := &domain.Node{}
	var traits []byte
	if err := row.Scan(&n.ID, &n.Name, &n.Hostname, &n.Enabled, &n.Priority,
		&n.Overcommit, &traits, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	// Parse JSON fields
	if len(traits) > 0 {
		if err := json.Unmarshal(traits, &n.Traits); err != nil {
			return nil, fmt.Errorf("failed to decode traits of node %s: %w", n.ID, err)
		}
	}
	return n, nil
}
