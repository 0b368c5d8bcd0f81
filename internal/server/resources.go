package server

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/server/middleware"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

const (
	instanceServiceName = "circle.v1.InstanceService"
	nodeServiceName     = "circle.v1.NodeService"
)

// InstanceService is the instance record API served over Connect.
type InstanceService interface {
	Create(ctx context.Context, inst *domain.Instance, owner *domain.User) (*domain.Instance, error)
	Get(ctx context.Context, id string) (*domain.Instance, error)
	List(ctx context.Context, filter instance.Filter) ([]*domain.Instance, error)
	EffectiveState(ctx context.Context, inst *domain.Instance) (domain.InstanceState, error)
}

// NodeService is the node record API served over Connect.
type NodeService interface {
	Create(ctx context.Context, n *domain.Node) (*domain.Node, error)
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
	Status(ctx context.Context, id string) (*node.Status, error)
}

type idRequest struct {
	ID string `json:"id"`
}

func (r idRequest) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}
	return nil
}

// instanceView is an instance with the state callers should display.
type instanceView struct {
	*domain.Instance
	EffectiveState domain.InstanceState `json:"effective_state"`
}

// InstanceHandler serves the instance procedures.
type InstanceHandler struct {
	svc InstanceService
}

// NewInstanceHandler creates an instance handler.
func NewInstanceHandler(svc InstanceService) *InstanceHandler {
	return &InstanceHandler{svc: svc}
}

func (h *InstanceHandler) procedures() []procedure {
	return []procedure{
		{method: "Create", fn: h.create},
		{method: "Get", fn: h.get},
		{method: "List", fn: h.list},
	}
}

func (h *InstanceHandler) view(ctx context.Context, inst *domain.Instance) (instanceView, error) {
	st, err := h.svc.EffectiveState(ctx, inst)
	if err != nil {
		return instanceView{}, err
	}
	return instanceView{Instance: inst, EffectiveState: st}, nil
}

func (h *InstanceHandler) create(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, err := middleware.RequirePermission(ctx, domain.PermissionInstanceCreate)
	if err != nil {
		return nil, err
	}
	var req struct {
		Instance domain.Instance `json:"instance"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	created, err := h.svc.Create(ctx, &req.Instance, user)
	if err != nil {
		return nil, err
	}
	return instanceView{Instance: created, EffectiveState: created.State}, nil
}

func (h *InstanceHandler) get(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, err := middleware.RequirePermission(ctx, domain.PermissionInstanceRead)
	if err != nil {
		return nil, err
	}
	var req idRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	inst, err := h.svc.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !inst.HasLevel(user, domain.ACLUser) {
		return nil, fmt.Errorf("%w: no access to instance %s", domain.ErrPermissionDenied, inst.ID)
	}
	return h.view(ctx, inst)
}

func (h *InstanceHandler) list(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, err := middleware.RequirePermission(ctx, domain.PermissionInstanceRead)
	if err != nil {
		return nil, err
	}
	var req struct {
		NodeID           string                 `json:"node_id"`
		States           []domain.InstanceState `json:"states"`
		IncludeDestroyed bool                   `json:"include_destroyed"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	filter := instance.Filter{
		NodeID:           req.NodeID,
		States:           req.States,
		IncludeDestroyed: req.IncludeDestroyed,
	}
	if !user.IsSuperuser {
		filter.OwnerID = user.ID
	}
	list, err := h.svc.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	views := make([]instanceView, 0, len(list))
	for _, inst := range list {
		v, err := h.view(ctx, inst)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return map[string]any{"instances": views}, nil
}

// NodeHandler serves the node procedures.
type NodeHandler struct {
	svc NodeService
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(svc NodeService) *NodeHandler {
	return &NodeHandler{svc: svc}
}

func (h *NodeHandler) procedures() []procedure {
	return []procedure{
		{method: "Create", fn: h.create},
		{method: "Get", fn: h.get},
		{method: "List", fn: h.list},
		{method: "Status", fn: h.status},
	}
}

func (h *NodeHandler) create(ctx context.Context, msg *structpb.Struct) (any, error) {
	if _, err := middleware.RequirePermission(ctx, domain.PermissionNodeUpdate); err != nil {
		return nil, err
	}
	var req struct {
		Node domain.Node `json:"node"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	return h.svc.Create(ctx, &req.Node)
}

func (h *NodeHandler) get(ctx context.Context, msg *structpb.Struct) (any, error) {
	if _, err := middleware.RequirePermission(ctx, domain.PermissionNodeRead); err != nil {
		return nil, err
	}
	var req idRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return h.svc.Get(ctx, req.ID)
}

func (h *NodeHandler) list(ctx context.Context, msg *structpb.Struct) (any, error) {
	if _, err := middleware.RequirePermission(ctx, domain.PermissionNodeRead); err != nil {
		return nil, err
	}
	nodes, err := h.svc.List(ctx)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []*domain.Node{}
	}
	return map[string]any{"nodes": nodes}, nil
}

func (h *NodeHandler) status(ctx context.Context, msg *structpb.Struct) (any, error) {
	if _, err := middleware.RequirePermission(ctx, domain.PermissionNodeRead); err != nil {
		return nil, err
	}
	var req idRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return h.svc.Status(ctx, req.ID)
}
