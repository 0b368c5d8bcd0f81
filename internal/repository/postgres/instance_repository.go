package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

var (
	_ instance.Repository     = (*InstanceRepository)(nil)
	_ node.InstanceRepository = (*InstanceRepository)(nil)
)

const instanceColumns = `
	id, name, description, template_id, cores, ram_size, max_ram_size, arch,
	priority, boot_menu, lease, time_of_suspend, time_of_delete, node_id,
	vnc_port, disks, interfaces, mem_dump_host, required_traits, owner_id,
	acl_grants, state, destroyed, created_at, updated_at`

// InstanceRepository implements instance.Repository using PostgreSQL.
type InstanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new PostgreSQL instance repository.
func NewInstanceRepository(db *DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "instance")),
	}
}

// instanceJSON holds the JSONB columns of an instance row.
type instanceJSON struct {
	lease, disks, interfaces, traits, grants []byte
}

func marshalInstance(inst *domain.Instance) (instanceJSON, error) {
	var (
		out instanceJSON
		err error
	)
	if out.lease, err = json.Marshal(inst.Lease); err != nil {
		return out, fmt.Errorf("failed to marshal lease: %w", err)
	}
	if out.disks, err = json.Marshal(nonNil(inst.Disks)); err != nil {
		return out, fmt.Errorf("failed to marshal disks: %w", err)
	}
	if out.interfaces, err = json.Marshal(nonNil(inst.Interfaces)); err != nil {
		return out, fmt.Errorf("failed to marshal interfaces: %w", err)
	}
	if out.traits, err = json.Marshal(nonNil(inst.RequiredTraits)); err != nil {
		return out, fmt.Errorf("failed to marshal traits: %w", err)
	}
	grants := inst.ACL.Grants
	if grants == nil {
		grants = map[string]domain.ACLLevel{}
	}
	if out.grants, err = json.Marshal(grants); err != nil {
		return out, fmt.Errorf("failed to marshal acl: %w", err)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Create stores a new instance.
func (r *InstanceRepository) Create(ctx context.Context, inst *domain.Instance) (*domain.Instance, error) {
	js, err := marshalInstance(inst)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = r.db.pool.QueryRow(ctx, query,
		inst.ID, inst.Name, inst.Description, inst.TemplateID,
		inst.Cores, inst.RAMSize, inst.MaxRAMSize, inst.Arch,
		inst.Priority, inst.BootMenu, js.lease, inst.TimeOfSuspend, inst.TimeOfDelete,
		nullString(inst.NodeID), nullInt(inst.VNCPort), js.disks, js.interfaces,
		inst.MemDumpHost, js.traits, inst.ACL.OwnerID, js.grants,
		string(inst.State), inst.Destroyed,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create instance", zap.String("id", inst.ID), zap.Error(err))
		return nil, mapError(err, "insert instance")
	}

	r.logger.Debug("Created instance", zap.String("id", inst.ID), zap.String("name", inst.Name))
	return inst.Clone(), nil
}

// Get retrieves an instance by ID.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*domain.Instance, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, mapError(err, "get instance")
	}
	return inst, nil
}

// List returns the instances matching filter, newest first.
func (r *InstanceRepository) List(ctx context.Context, filter instance.Filter) ([]*domain.Instance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	// Build WHERE clause
	if !filter.IncludeDestroyed {
		where = append(where, "destroyed IS NULL")
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.NodeID != "" {
		add("node_id = $%d", filter.NodeID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		add("state = ANY($%d)", states)
	}

	// Build final query
	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list instances")
	}
	defer rows.Close()

	var result []*domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// Update stores every field of an existing instance.
func (r *InstanceRepository) Update(ctx context.Context, inst *domain.Instance) (*domain.Instance, error) {
	js, err := marshalInstance(inst)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE instances SET
			name = $2, description = $3, template_id = $4, cores = $5, ram_size = $6,
			max_ram_size = $7, arch = $8, priority = $9, boot_menu = $10, lease = $11,
			time_of_suspend = $12, time_of_delete = $13, node_id = $14, vnc_port = $15,
			disks = $16, interfaces = $17, mem_dump_host = $18, required_traits = $19,
			owner_id = $20, acl_grants = $21, state = $22, destroyed = $23, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err = r.db.pool.QueryRow(ctx, query,
		inst.ID, inst.Name, inst.Description, inst.TemplateID, inst.Cores, inst.RAMSize,
		inst.MaxRAMSize, inst.Arch, inst.Priority, inst.BootMenu, js.lease,
		inst.TimeOfSuspend, inst.TimeOfDelete, nullString(inst.NodeID), nullInt(inst.VNCPort),
		js.disks, js.interfaces, inst.MemDumpHost, js.traits,
		inst.ACL.OwnerID, js.grants, string(inst.State), inst.Destroyed,
	).Scan(&inst.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "update instance")
	}
	return inst.Clone(), nil
}

// ListByNode returns the live instances assigned to a node.
func (r *InstanceRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.Instance, error) {
	return r.List(ctx, instance.Filter{NodeID: nodeID})
}

// UsedVNCPorts returns the ports held by instances with a node.
func (r *InstanceRepository) UsedVNCPorts(ctx context.Context) ([]int, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT vnc_port FROM instances WHERE node_id IS NOT NULL AND vnc_port IS NOT NULL ORDER BY vnc_port`)
	if err != nil {
		return nil, mapError(err, "list vnc ports")
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan vnc port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	inst := &domain.Instance{}
	var (
		nodeID  *string
		vncPort *int
		state   string
		lease   []byte
		disks   []byte
		ifaces  []byte
		traits  []byte
		grants  []byte
	)

	err := row.Scan(
		&inst.ID, &inst.Name, &inst.Description, &inst.TemplateID,
		&inst.Cores, &inst.RAMSize, &inst.MaxRAMSize, &inst.Arch,
		&inst.Priority, &inst.BootMenu, &lease, &inst.TimeOfSuspend, &inst.TimeOfDelete,
		&nodeID, &vncPort, &disks, &ifaces, &inst.MemDumpHost, &traits,
		&inst.ACL.OwnerID, &grants, &state, &inst.Destroyed,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.NodeID = derefString(nodeID)
	inst.VNCPort = derefInt(vncPort)
	inst.State = domain.InstanceState(state)

	for _, f := range []struct {
		raw  []byte
		dest any
	}{
		{lease, &inst.Lease},
		{disks, &inst.Disks},
		{ifaces, &inst.Interfaces},
		{traits, &inst.RequiredTraits},
		{grants, &inst.ACL.Grants},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("failed to decode instance %s: %w", inst.ID, err)
		}
	}
	return inst, nil
}
