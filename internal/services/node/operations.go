package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
	"github.com/circlecloud/circle/internal/services/instance"
)

// Operation ids registered for nodes.
const (
	OpEnable  = "enable"
	OpDisable = "disable"
	OpFlush   = "flush"
)

func (s *Service) factories() []operation.Factory {
	return []operation.Factory{
		func(sub domain.Subject) operation.Operation {
			return &enableOp{nodeOp: s.bind(sub, operation.Base{
				OpID: OpEnable, Perms: []domain.Permission{domain.PermissionNodeUpdate},
			}), enabled: true}
		},
		func(sub domain.Subject) operation.Operation {
			return &enableOp{nodeOp: s.bind(sub, operation.Base{
				OpID: OpDisable, Perms: []domain.Permission{domain.PermissionNodeUpdate},
			}), enabled: false}
		},
		func(sub domain.Subject) operation.Operation {
			return &flushOp{s.bind(sub, operation.Base{
				OpID: OpFlush, Perms: []domain.Permission{domain.PermissionNodeFlush},
			})}
		},
	}
}

type nodeOp struct {
	operation.Base
	svc  *Service
	node *domain.Node
}

func (s *Service) bind(sub domain.Subject, base operation.Base) nodeOp {
	node, _ := sub.(*domain.Node)
	return nodeOp{Base: base, svc: s, node: node}
}

func (o *nodeOp) Subject() domain.Subject { return o.node }

// enableOp sets the node's enabled flag.
type enableOp struct {
	nodeOp
	enabled bool
}

func (o *enableOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	return nil, o.svc.setEnabled(ctx, o.node, o.enabled)
}

// flushOp disables the node and migrates every instance off it.
type flushOp struct{ nodeOp }

func (o *flushOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity

	disable, err := o.svc.runner.For(o.node).GetOperation(OpDisable)
	if err != nil {
		return nil, err
	}
	if _, err := disable.Call(ctx, operation.CallOptions{
		User:           inv.User,
		System:         true,
		ParentActivity: act,
	}); err != nil {
		return nil, err
	}

	instances, err := o.svc.instances.ListByNode(ctx, o.node.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of node %s: %w", o.node.ID, err)
	}

	migrated := make([]string, 0, len(instances))
	for _, inst := range instances {
		code := "migrate_instance_" + inst.ID
		err := o.svc.runner.Ledger().SubActivity(ctx, act, code, "", func(ctx context.Context, _ *domain.Activity) error {
			migrate, err := o.svc.runner.For(inst).GetOperation(instance.OpMigrate)
			if err != nil {
				return err
			}
			_, err = migrate.Call(ctx, operation.CallOptions{User: inv.User, System: inv.System})
			return err
		})
		if err != nil {
			o.svc.logger.Warn("Flush stopped",
				zap.String("node_id", o.node.ID),
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			return migrated, err
		}
		migrated = append(migrated, inst.ID)
	}

	o.svc.logger.Info("Node flushed", zap.String("node_id", o.node.ID), zap.Int("instances", len(migrated)))
	return migrated, nil
}
