package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

// ActivityStateChanged is the activity code suffix recorded when the
// reconciler corrects an instance's state.
const ActivityStateChanged = "vm_state_changed"

// Elector reports whether this process currently leads the cluster.
type Elector interface {
	IsLeader() bool
}

// Reconciler re-polls instances whose latest activity left their state
// unknown and records the state reported by the node.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	timeout  time.Duration
	elector  Elector
	logger   *zap.Logger
}

// NewReconciler creates a new Reconciler. A nil elector means always lead.
func NewReconciler(svc *Service, interval, timeout time.Duration, elector Elector, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		svc:      svc,
		interval: interval,
		timeout:  timeout,
		elector:  elector,
		logger:   logger.Named("instance-reconciler"),
	}
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting reconciler", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if r.elector != nil && !r.elector.IsLeader() {
				continue
			}
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("Reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce probes every instance in an unknown state once and returns
// how many were corrected.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	instances, err := r.svc.repo.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	fixed := 0
	for _, inst := range instances {
		latest, err := r.svc.runner.Ledger().Latest(ctx, inst)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.logger.Warn("Failed to get latest activity", zap.String("instance_id", inst.ID), zap.Error(err))
			}
			continue
		}
		if !latest.IsFinished() || !latest.ResultantState.IsUnknown() {
			continue
		}

		ok, err := r.reconcile(ctx, inst, latest)
		if err != nil {
			r.logger.Warn("Failed to reconcile instance",
				zap.String("instance_id", inst.ID),
				zap.String("activity", latest.Code),
				zap.Error(err),
			)
			continue
		}
		if ok {
			fixed++
		}
	}
	return fixed, nil
}

func (r *Reconciler) reconcile(ctx context.Context, inst *domain.Instance, latest *domain.Activity) (bool, error) {
	if inst.NodeID == "" {
		r.logger.Debug("Instance has no node to probe", zap.String("instance_id", inst.ID))
		return false, nil
	}
	node, err := r.svc.nodeOf(ctx, inst)
	if err != nil {
		return false, err
	}

	observed, err := r.probe(ctx, inst, node, latest)
	if err != nil {
		return false, err
	}

	switch observed {
	case domain.StateSuspended:
		inst.MemDumpHost = node.Hostname
		inst.ClearPlacement()
	case domain.StateShutoff:
		inst.ClearPlacement()
	}
	if err := r.svc.save(ctx, inst); err != nil {
		return false, err
	}

	ledger := r.svc.runner.Ledger()
	act, err := ledger.Create(ctx, ActivityStateChanged, inst, "", nil)
	if err != nil {
		return false, err
	}
	result := fmt.Sprintf("%s reported by %s after %s", observed, node.Hostname, latest.Code)
	if err := ledger.Finish(ctx, act, true, result, func(a *domain.Activity) {
		a.ResultantState = domain.Confirmed(observed)
	}); err != nil {
		return false, err
	}
	if err := r.svc.applyOutcome(ctx, act); err != nil {
		return false, err
	}

	r.logger.Info("Reconciled instance state",
		zap.String("instance_id", inst.ID),
		zap.String("state", string(observed)),
		zap.String("after", latest.Code),
	)
	return true, nil
}

// probe asks the node for the domain state. A domain the node does not know
// was either saved by a sleep or is off.
func (r *Reconciler) probe(ctx context.Context, inst *domain.Instance, node *domain.Node, latest *domain.Activity) (domain.InstanceState, error) {
	queue := dispatcher.QueueName(node.Hostname, dispatcher.DriverVM)
	res, err := r.svc.remote.Submit(ctx, queue, dispatcher.TaskDomainInfo,
		map[string]any{dispatcher.ArgName: inst.VMName()}, r.timeout)
	if errors.Is(err, domain.ErrNotFound) {
		if strings.HasSuffix(latest.Code, "."+OpSleep) {
			return domain.StateSuspended, nil
		}
		return domain.StateShutoff, nil
	}
	if err != nil {
		return "", err
	}

	raw, _ := res[dispatcher.ArgState].(string)
	state, ok := domain.ParseInstanceState(raw)
	if !ok || state == domain.StatePending {
		return "", fmt.Errorf("%w: node reported state %q", domain.ErrInvalidArgument, raw)
	}
	return state, nil
}
