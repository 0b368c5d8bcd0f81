package instance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
)

// Operation ids registered for instances.
const (
	OpDeploy   = "deploy"
	OpDestroy  = "destroy"
	OpSleep    = "sleep"
	OpWakeUp   = "wake_up"
	OpMigrate  = "migrate"
	OpShutdown = "shutdown"
	OpShutOff  = "shut_off"
	OpReboot   = "reboot"
	OpReset    = "reset"
	OpRenew    = "renew"
)

// Parameters accepted by instance operations.
const (
	ParamToNode          = "to_node"
	ParamSuspendInterval = "suspend_interval"
	ParamDeleteInterval  = "delete_interval"
)

func (s *Service) factories() []operation.Factory {
	return []operation.Factory{
		func(sub domain.Subject) operation.Operation { return &deployOp{s.bind(sub, deployBase)} },
		func(sub domain.Subject) operation.Operation { return &destroyOp{s.bind(sub, destroyBase)} },
		func(sub domain.Subject) operation.Operation { return &sleepOp{s.bind(sub, sleepBase)} },
		func(sub domain.Subject) operation.Operation { return &wakeUpOp{s.bind(sub, wakeUpBase)} },
		func(sub domain.Subject) operation.Operation { return &migrateOp{s.bind(sub, migrateBase)} },
		func(sub domain.Subject) operation.Operation { return &shutdownOp{s.bind(sub, shutdownBase)} },
		func(sub domain.Subject) operation.Operation { return &shutOffOp{s.bind(sub, shutOffBase)} },
		func(sub domain.Subject) operation.Operation {
			return &simplePowerOp{instanceOp: s.bind(sub, rebootBase), task: dispatcher.TaskReboot}
		},
		func(sub domain.Subject) operation.Operation {
			return &simplePowerOp{instanceOp: s.bind(sub, resetBase), task: dispatcher.TaskReset}
		},
		func(sub domain.Subject) operation.Operation { return &renewOp{s.bind(sub, renewBase)} },
	}
}

var (
	deployBase = operation.Base{
		OpID: OpDeploy, OpName: "deploy", Level: domain.ACLOwner,
		Perms: []domain.Permission{domain.PermissionInstanceCreate},
	}
	destroyBase = operation.Base{
		OpID: OpDestroy, OpName: "destroy", Level: domain.ACLOwner,
		Perms: []domain.Permission{domain.PermissionInstanceDestroy},
	}
	sleepBase = operation.Base{
		OpID: OpSleep, OpName: "sleep", Level: domain.ACLUser,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	wakeUpBase = operation.Base{
		OpID: OpWakeUp, OpName: "wake up", Level: domain.ACLUser,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	migrateBase = operation.Base{
		OpID: OpMigrate, OpName: "migrate", Level: domain.ACLOwner,
		Perms:  []domain.Permission{domain.PermissionInstanceMigrate},
		Params: []string{ParamToNode},
	}
	shutdownBase = operation.Base{
		OpID: OpShutdown, OpName: "shutdown", Level: domain.ACLUser,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	shutOffBase = operation.Base{
		OpID: OpShutOff, OpName: "shut off", Level: domain.ACLOwner,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	rebootBase = operation.Base{
		OpID: OpReboot, OpName: "reboot", Level: domain.ACLUser,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	resetBase = operation.Base{
		OpID: OpReset, OpName: "reset", Level: domain.ACLUser,
		Perms: []domain.Permission{domain.PermissionInstancePower},
	}
	renewBase = operation.Base{
		OpID: OpRenew, OpName: "renew", Level: domain.ACLOperator,
		Perms:  []domain.Permission{domain.PermissionInstanceRenew},
		Params: []string{ParamSuspendInterval, ParamDeleteInterval},
	}
)

// instanceOp is embedded by every instance operation.
type instanceOp struct {
	operation.Base
	svc  *Service
	inst *domain.Instance
}

func (s *Service) bind(sub domain.Subject, base operation.Base) instanceOp {
	inst, _ := sub.(*domain.Instance)
	base.Queue = s.config.AsyncQueue
	return instanceOp{Base: base, svc: s, inst: inst}
}

func (o *instanceOp) Subject() domain.Subject { return o.inst }

// CheckPrecondition rejects destroyed instances.
func (o *instanceOp) CheckPrecondition(ctx context.Context) error {
	if o.inst.IsDestroyed() {
		return fmt.Errorf("%w: %s", domain.ErrInstanceDestroyed, o.inst.ID)
	}
	return nil
}

// requireState rejects destroyed instances and instances in any state but states.
func (o *instanceOp) requireState(ctx context.Context, states ...domain.InstanceState) error {
	if err := o.CheckPrecondition(ctx); err != nil {
		return err
	}
	for _, st := range states {
		if o.inst.State == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s, %s requires %v", domain.ErrWrongState, o.inst.ID, o.inst.State, o.OpID, states)
}

func (o *instanceOp) sub(ctx context.Context, parent *domain.Activity, code string, fn func(ctx context.Context) error) error {
	return o.svc.runner.Ledger().SubActivity(ctx, parent, code, "", func(ctx context.Context, _ *domain.Activity) error {
		return fn(ctx)
	})
}

// abortUnknownOnTimeout leaves the state unknown when a remote call timed
// out or its caller went away, and marks the instance ERROR on any other
// failure. In both undetermined cases the agent may have finished the task.
func abortUnknownOnTimeout(act *domain.Activity, err error) {
	if domain.IsTimeout(err) || errors.Is(err, context.Canceled) {
		act.ResultantState = domain.Unknown()
		return
	}
	act.ResultantState = domain.Confirmed(domain.StateError)
}

// ============================================================================
// deploy
// ============================================================================

type deployOp struct{ instanceOp }

func (o *deployOp) CheckPrecondition(ctx context.Context) error {
	if err := o.instanceOp.CheckPrecondition(ctx); err != nil {
		return err
	}
	if o.inst.State == domain.StateRunning || o.inst.State == domain.StateSuspended {
		return fmt.Errorf("%w: %s is %s", domain.ErrWrongState, o.inst.ID, o.inst.State)
	}
	return nil
}

func (o *deployOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	var node *domain.Node

	err := o.sub(ctx, act, "scheduling", func(ctx context.Context) error {
		var err error
		if o.inst.NodeID != "" {
			node, err = o.svc.nodeOf(ctx, o.inst)
		} else {
			node, err = o.svc.selectNode(ctx, o.inst, "")
		}
		if err != nil {
			return err
		}
		return o.svc.place(ctx, o.inst, node)
	})
	if err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "deploying_disks", func(ctx context.Context) error {
		return o.svc.deployDisks(ctx, o.inst)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "deploying_vm", func(ctx context.Context) error {
		args := map[string]any{dispatcher.ArgVM: o.inst.Descriptor()}
		_, err := o.svc.vmTask(ctx, node, dispatcher.TaskDeploy, args, o.svc.config.DeployTimeout)
		return err
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "deploying_net", func(ctx context.Context) error {
		return o.svc.deployNetworks(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	return node.ID, nil
}

func (o *deployOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateRunning)
}

// ============================================================================
// destroy
// ============================================================================

type destroyOp struct{ instanceOp }

func (o *destroyOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity

	if o.inst.NodeID != "" {
		node, err := o.svc.nodeOf(ctx, o.inst)
		if err != nil {
			return nil, err
		}
		if err := o.sub(ctx, act, "destroying_net", func(ctx context.Context) error {
			return o.svc.destroyNetworks(ctx, o.inst, node)
		}); err != nil {
			return nil, err
		}
		if err := o.sub(ctx, act, "destroying_vm", func(ctx context.Context) error {
			args := map[string]any{dispatcher.ArgName: o.inst.VMName()}
			_, err := o.svc.vmTask(ctx, node, dispatcher.TaskDestroy, args, 0)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if err := o.sub(ctx, act, "destroying_disks", func(ctx context.Context) error {
		return o.svc.destroyDisks(ctx, o.inst)
	}); err != nil {
		return nil, err
	}

	if o.inst.State == domain.StateSuspended && o.inst.MemDumpHost != "" {
		if err := o.sub(ctx, act, "deleting_mem_dump", func(ctx context.Context) error {
			return o.svc.deleteMemDump(ctx, o.inst)
		}); err != nil {
			return nil, err
		}
	}

	now := o.svc.now()
	o.inst.Destroyed = &now
	o.inst.ClearPlacement()
	return nil, o.svc.save(ctx, o.inst)
}

func (o *destroyOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateDestroyed)
}

// ============================================================================
// sleep / wake_up
// ============================================================================

type sleepOp struct{ instanceOp }

func (o *sleepOp) CheckPrecondition(ctx context.Context) error {
	return o.requireState(ctx, domain.StateRunning)
}

func (o *sleepOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	node, err := o.svc.nodeOf(ctx, o.inst)
	if err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "shutdown_net", func(ctx context.Context) error {
		return o.svc.destroyNetworks(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "suspending", func(ctx context.Context) error {
		args := map[string]any{
			dispatcher.ArgName: o.inst.VMName(),
			dispatcher.ArgPath: o.inst.MemDumpPath(o.svc.config.DumpDir),
		}
		_, err := o.svc.vmTask(ctx, node, dispatcher.TaskSleep, args, o.svc.config.SleepTimeout)
		return err
	}); err != nil {
		return nil, err
	}

	o.inst.MemDumpHost = node.Hostname
	o.inst.ClearPlacement()
	return nil, o.svc.save(ctx, o.inst)
}

func (o *sleepOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateSuspended)
}

func (o *sleepOp) OnAbort(act *domain.Activity, err error) { abortUnknownOnTimeout(act, err) }

type wakeUpOp struct{ instanceOp }

func (o *wakeUpOp) CheckPrecondition(ctx context.Context) error {
	return o.requireState(ctx, domain.StateSuspended)
}

func (o *wakeUpOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	var node *domain.Node

	if err := o.sub(ctx, act, "scheduling", func(ctx context.Context) error {
		var err error
		if node, err = o.svc.selectNode(ctx, o.inst, ""); err != nil {
			return err
		}
		return o.svc.place(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "resuming", func(ctx context.Context) error {
		args := map[string]any{
			dispatcher.ArgName: o.inst.VMName(),
			dispatcher.ArgPath: o.inst.MemDumpPath(o.svc.config.DumpDir),
		}
		if _, err := o.svc.vmTask(ctx, node, dispatcher.TaskWakeUp, args, o.svc.config.SleepTimeout); err != nil {
			return err
		}
		o.inst.MemDumpHost = ""
		return o.svc.save(ctx, o.inst)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "deploying_net", func(ctx context.Context) error {
		return o.svc.deployNetworks(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	renew, err := o.svc.runner.For(o.inst).GetOperation(OpRenew)
	if err != nil {
		return nil, err
	}
	if _, err := renew.Call(ctx, operation.CallOptions{
		User:           inv.User,
		System:         true,
		ParentActivity: act,
	}); err != nil {
		return nil, err
	}

	return node.ID, nil
}

func (o *wakeUpOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateRunning)
}

func (o *wakeUpOp) OnAbort(act *domain.Activity, err error) {
	act.ResultantState = domain.Confirmed(domain.StateError)
}

// ============================================================================
// migrate
// ============================================================================

type migrateOp struct{ instanceOp }

func (o *migrateOp) CheckPrecondition(ctx context.Context) error {
	if err := o.instanceOp.CheckPrecondition(ctx); err != nil {
		return err
	}
	if o.inst.NodeID == "" {
		return fmt.Errorf("%w: %s", domain.ErrNoNodeAssigned, o.inst.ID)
	}
	return nil
}

func (o *migrateOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	source, err := o.svc.nodeOf(ctx, o.inst)
	if err != nil {
		return nil, err
	}

	var target *domain.Node
	if err := o.sub(ctx, act, "scheduling", func(ctx context.Context) error {
		var err error
		if id, ok := inv.Params.String(ParamToNode); ok {
			target, err = o.svc.nodes.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load target node %s: %w", id, err)
			}
			if target.ID == source.ID {
				return fmt.Errorf("%w: instance already runs on %s", domain.ErrInvalidArgument, target.Name)
			}
			return nil
		}
		target, err = o.svc.selectNode(ctx, o.inst, source.ID)
		return err
	}); err != nil {
		return nil, err
	}

	o.svc.logger.Info("Migrating instance",
		zap.String("instance_id", o.inst.ID),
		zap.String("from", source.Hostname),
		zap.String("to", target.Hostname),
	)

	if err := o.sub(ctx, act, "shutdown_net", func(ctx context.Context) error {
		return o.svc.destroyNetworks(ctx, o.inst, source)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "migrate_vm", func(ctx context.Context) error {
		args := map[string]any{
			dispatcher.ArgName:     o.inst.VMName(),
			dispatcher.ArgDestHost: target.Hostname,
		}
		if _, err := o.svc.vmTask(ctx, source, dispatcher.TaskMigrate, args, o.svc.config.MigrateTimeout); err != nil {
			return err
		}
		o.inst.NodeID = target.ID
		return o.svc.save(ctx, o.inst)
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "deploying_net", func(ctx context.Context) error {
		return o.svc.deployNetworks(ctx, o.inst, target)
	}); err != nil {
		return nil, err
	}

	return target.ID, nil
}

// ============================================================================
// power
// ============================================================================

type shutdownOp struct{ instanceOp }

func (o *shutdownOp) CheckPrecondition(ctx context.Context) error {
	if err := o.instanceOp.CheckPrecondition(ctx); err != nil {
		return err
	}
	if o.inst.NodeID == "" {
		return fmt.Errorf("%w: %s", domain.ErrNoNodeAssigned, o.inst.ID)
	}
	return nil
}

func (o *shutdownOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	node, err := o.svc.nodeOf(ctx, o.inst)
	if err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "shutdown_vm", func(ctx context.Context) error {
		args := map[string]any{
			dispatcher.ArgName:    o.inst.VMName(),
			dispatcher.ArgTimeout: o.svc.timeout(o.svc.config.ShutdownTimeout).Seconds(),
		}
		_, err := o.svc.vmTask(ctx, node, dispatcher.TaskShutdown, args, o.svc.config.ShutdownTimeout)
		return err
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "shutdown_net", func(ctx context.Context) error {
		return o.svc.destroyNetworks(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	o.inst.ClearPlacement()
	return nil, o.svc.save(ctx, o.inst)
}

func (o *shutdownOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateShutoff)
}

func (o *shutdownOp) OnAbort(act *domain.Activity, err error) { abortUnknownOnTimeout(act, err) }

type shutOffOp struct{ instanceOp }

func (o *shutOffOp) CheckPrecondition(ctx context.Context) error {
	return o.requireState(ctx, domain.StateRunning, domain.StateError)
}

func (o *shutOffOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	act := inv.Activity
	node, err := o.svc.nodeOf(ctx, o.inst)
	if err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "shut_off_vm", func(ctx context.Context) error {
		args := map[string]any{dispatcher.ArgName: o.inst.VMName()}
		_, err := o.svc.vmTask(ctx, node, dispatcher.TaskShutOff, args, 0)
		return err
	}); err != nil {
		return nil, err
	}

	if err := o.sub(ctx, act, "shutdown_net", func(ctx context.Context) error {
		return o.svc.destroyNetworks(ctx, o.inst, node)
	}); err != nil {
		return nil, err
	}

	o.inst.ClearPlacement()
	return nil, o.svc.save(ctx, o.inst)
}

func (o *shutOffOp) OnCommit(act *domain.Activity) {
	act.ResultantState = domain.Confirmed(domain.StateShutoff)
}

func (o *shutOffOp) OnAbort(act *domain.Activity, err error) { abortUnknownOnTimeout(act, err) }

// simplePowerOp sends a single vm task and leaves the state alone.
type simplePowerOp struct {
	instanceOp
	task string
}

func (o *simplePowerOp) CheckPrecondition(ctx context.Context) error {
	return o.requireState(ctx, domain.StateRunning)
}

func (o *simplePowerOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	node, err := o.svc.nodeOf(ctx, o.inst)
	if err != nil {
		return nil, err
	}
	args := map[string]any{dispatcher.ArgName: o.inst.VMName()}
	_, err = o.svc.vmTask(ctx, node, o.task, args, 0)
	return nil, err
}

// ============================================================================
// renew
// ============================================================================

type renewOp struct{ instanceOp }

func (o *renewOp) Run(ctx context.Context, inv *operation.Invocation) (any, error) {
	suspend, _, err := inv.Params.Duration(ParamSuspendInterval)
	if err != nil {
		return nil, err
	}
	del, _, err := inv.Params.Duration(ParamDeleteInterval)
	if err != nil {
		return nil, err
	}
	o.svc.setLease(o.inst, suspend, del)
	if err := o.svc.save(ctx, o.inst); err != nil {
		return nil, err
	}
	return map[string]any{
		"time_of_suspend": *o.inst.TimeOfSuspend,
		"time_of_delete":  *o.inst.TimeOfDelete,
	}, nil
}
