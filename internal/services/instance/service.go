// Package instance provides the instance lifecycle operations for the control plane.
// Operations are registered on an operation.Registry and run through an
// operation.Runner, which owns authorization, preconditions and activities.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
)

// Config holds the instance lifecycle settings.
type Config struct {
	VNCPortMin      int
	VNCPortMax      int
	SuspendInterval time.Duration
	DeleteInterval  time.Duration
	DumpDir         string

	// AsyncQueue is the local queue operation bodies run on when called asynchronously.
	AsyncQueue string

	DefaultTimeout  time.Duration
	DeployTimeout   time.Duration
	ShutdownTimeout time.Duration
	SleepTimeout    time.Duration
	MigrateTimeout  time.Duration
}

// DefaultConfig returns the default instance configuration.
func DefaultConfig() Config {
	return Config{
		VNCPortMin:      20000,
		VNCPortMax:      65536,
		SuspendInterval: 30 * 24 * time.Hour,
		DeleteInterval:  90 * 24 * time.Hour,
		DumpDir:         "/datastore/dumps",
		AsyncQueue:      "localhost.man",
		DefaultTimeout:  60 * time.Second,
		DeployTimeout:   300 * time.Second,
		ShutdownTimeout: 120 * time.Second,
		SleepTimeout:    300 * time.Second,
		MigrateTimeout:  2 * time.Hour,
	}
}

// Service owns instance records and the instance operations.
type Service struct {
	repo      Repository
	nodes     NodeRepository
	runner    *operation.Runner
	remote    Remote
	scheduler NodeScheduler
	config    Config
	logger    *zap.Logger
	now       func() time.Time

	// vncMu serializes port allocation with the update that claims the port.
	vncMu sync.Mutex
}

// NewService creates a new instance service.
func NewService(
	repo Repository,
	nodes NodeRepository,
	runner *operation.Runner,
	remote Remote,
	sched NodeScheduler,
	config Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		nodes:     nodes,
		runner:    runner,
		remote:    remote,
		scheduler: sched,
		config:    config,
		logger:    logger.Named("instance-service"),
		now:       time.Now,
	}
}

// RegisterOperations adds the instance operations to the runner's registry
// and installs the handler that applies confirmed resultant states.
func (s *Service) RegisterOperations() error {
	reg := s.runner.Registry()
	for _, f := range s.factories() {
		if err := reg.Register(domain.SubjectInstance, f); err != nil {
			return err
		}
	}
	s.runner.OnOutcome(domain.SubjectInstance, s.applyOutcome)
	return nil
}

// ============================================================================
// Records
// ============================================================================

// Create stores a new instance owned by owner. Lease times are derived from
// the instance's lease or the configured defaults.
func (s *Service) Create(ctx context.Context, inst *domain.Instance, owner *domain.User) (*domain.Instance, error) {
	if inst.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	if inst.Cores <= 0 || inst.RAMSize <= 0 {
		return nil, fmt.Errorf("%w: cores and ram_size must be positive", domain.ErrInvalidArgument)
	}
	if len(inst.Disks) > len(deviceLetters) {
		return nil, fmt.Errorf("%w: at most %d disks", domain.ErrInvalidArgument, len(deviceLetters))
	}

	out := inst.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.MaxRAMSize < out.RAMSize {
		out.MaxRAMSize = out.RAMSize
	}
	if out.Arch == "" {
		out.Arch = "x86_64"
	}
	if owner != nil {
		out.ACL.OwnerID = owner.ID
	}
	out.State = domain.StateNoState
	out.ClearPlacement()
	out.Destroyed = nil
	s.setLease(out, 0, 0)

	now := s.now()
	out.CreatedAt = now
	out.UpdatedAt = now

	created, err := s.repo.Create(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	s.logger.Info("Instance created", zap.String("instance_id", created.ID), zap.String("name", created.Name))
	return created, nil
}

// Get returns an instance by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Instance, error) {
	return s.repo.Get(ctx, id)
}

// List returns the instances matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*domain.Instance, error) {
	return s.repo.List(ctx, filter)
}

// Subject loads the instance as an operation subject.
func (s *Service) Subject(ctx context.Context, id string) (domain.Subject, error) {
	return s.repo.Get(ctx, id)
}

// Operations returns the operations bound to inst.
func (s *Service) Operations(inst *domain.Instance) *operation.Operated {
	return s.runner.For(inst)
}

// Call loads the instance and runs operation opID on it synchronously.
func (s *Service) Call(ctx context.Context, id, opID string, opts operation.CallOptions) (*operation.Execution, error) {
	inst, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := s.runner.For(inst).GetOperation(opID)
	if err != nil {
		return nil, err
	}
	return b.Execute(ctx, opts)
}

// EffectiveState returns PENDING while the latest root activity of inst is
// unfinished, and the stored state otherwise.
func (s *Service) EffectiveState(ctx context.Context, inst *domain.Instance) (domain.InstanceState, error) {
	latest, err := s.runner.Ledger().Latest(ctx, inst)
	if errors.Is(err, domain.ErrNotFound) {
		return inst.State, nil
	}
	if err != nil {
		return "", err
	}
	if !latest.IsFinished() {
		return domain.StatePending, nil
	}
	return inst.State, nil
}

// applyOutcome stores a confirmed resultant state on the instance.
func (s *Service) applyOutcome(ctx context.Context, act *domain.Activity) error {
	state, ok := act.ResultantState.IsConfirmed()
	if !ok {
		if act.ResultantState.IsUnknown() {
			s.logger.Warn("Instance state unknown after activity",
				zap.String("instance_id", act.SubjectID),
				zap.String("activity", act.Code),
				zap.String("activity_id", act.ID),
			)
		}
		return nil
	}

	inst, err := s.repo.Get(ctx, act.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", act.SubjectID, err)
	}
	if inst.State == state {
		return nil
	}
	s.logger.Info("Instance state changed",
		zap.String("instance_id", inst.ID),
		zap.String("from", string(inst.State)),
		zap.String("to", string(state)),
		zap.String("activity", act.Code),
	)
	inst.State = state
	inst.UpdatedAt = s.now()
	if _, err := s.repo.Update(ctx, inst); err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	return nil
}

// ============================================================================
// Placement
// ============================================================================

// candidateNodes lists enabled nodes other than exclude.
func (s *Service) candidateNodes(ctx context.Context, exclude string) ([]*domain.Node, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.Enabled && n.ID != exclude {
			out = append(out, n)
		}
	}
	return out, nil
}

// selectNode asks the scheduler for a node for inst.
func (s *Service) selectNode(ctx context.Context, inst *domain.Instance, exclude string) (*domain.Node, error) {
	candidates, err := s.candidateNodes(ctx, exclude)
	if err != nil {
		return nil, err
	}
	return s.scheduler.SelectNode(ctx, inst, candidates)
}

// place assigns node and a free VNC port to inst and persists both.
func (s *Service) place(ctx context.Context, inst *domain.Instance, node *domain.Node) error {
	s.vncMu.Lock()
	defer s.vncMu.Unlock()

	port := inst.VNCPort
	if port == 0 {
		used, err := s.repo.UsedVNCPorts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list vnc ports: %w", err)
		}
		if port, err = s.freeVNCPort(used); err != nil {
			return err
		}
	}

	inst.NodeID = node.ID
	inst.VNCPort = port
	return s.save(ctx, inst)
}

// freeVNCPort returns the first port in [min, max) not in used.
func (s *Service) freeVNCPort(used []int) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for p := s.config.VNCPortMin; p < s.config.VNCPortMax; p++ {
		if _, ok := taken[p]; !ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no free vnc port in [%d, %d)", domain.ErrResourceExhausted,
		s.config.VNCPortMin, s.config.VNCPortMax)
}

// nodeOf returns the node inst is assigned to.
func (s *Service) nodeOf(ctx context.Context, inst *domain.Instance) (*domain.Node, error) {
	if inst.NodeID == "" {
		return nil, domain.ErrNoNodeAssigned
	}
	node, err := s.nodes.Get(ctx, inst.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", inst.NodeID, err)
	}
	return node, nil
}

// setLease recomputes the suspend and delete deadlines from now.
func (s *Service) setLease(inst *domain.Instance, suspend, del time.Duration) {
	if suspend <= 0 {
		suspend = inst.Lease.SuspendInterval
	}
	if suspend <= 0 {
		suspend = s.config.SuspendInterval
	}
	if del <= 0 {
		del = inst.Lease.DeleteInterval
	}
	if del <= 0 {
		del = s.config.DeleteInterval
	}
	now := s.now()
	ts, td := now.Add(suspend), now.Add(del)
	inst.TimeOfSuspend = &ts
	inst.TimeOfDelete = &td
}

func (s *Service) save(ctx context.Context, inst *domain.Instance) error {
	inst.UpdatedAt = s.now()
	if _, err := s.repo.Update(ctx, inst); err != nil {
		return fmt.Errorf("failed to update instance %s: %w", inst.ID, err)
	}
	return nil
}

// ============================================================================
// Remote calls
// ============================================================================

func (s *Service) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.config.DefaultTimeout
}

// vmTask submits task to the vm queue of node.
func (s *Service) vmTask(ctx context.Context, node *domain.Node, task string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	return s.remote.Submit(ctx, dispatcher.QueueName(node.Hostname, dispatcher.DriverVM), task, args, s.timeout(timeout))
}

// deployNetworks creates every interface of inst on node, one at a time.
func (s *Service) deployNetworks(ctx context.Context, inst *domain.Instance, node *domain.Node) error {
	queue := dispatcher.QueueName(node.Hostname, dispatcher.DriverNet)
	for _, nic := range inst.Interfaces {
		args := map[string]any{dispatcher.ArgNIC: nic.Descriptor(inst.VMName())}
		if _, err := s.remote.Submit(ctx, queue, dispatcher.TaskNetCreate, args, s.timeout(0)); err != nil {
			return fmt.Errorf("failed to create interface %s: %w", nic.MAC, err)
		}
	}
	return nil
}

// destroyNetworks removes every interface of inst from node, one at a time.
func (s *Service) destroyNetworks(ctx context.Context, inst *domain.Instance, node *domain.Node) error {
	queue := dispatcher.QueueName(node.Hostname, dispatcher.DriverNet)
	for _, nic := range inst.Interfaces {
		args := map[string]any{dispatcher.ArgNIC: nic.Descriptor(inst.VMName())}
		if _, err := s.remote.Submit(ctx, queue, dispatcher.TaskNetDestroy, args, s.timeout(0)); err != nil {
			return fmt.Errorf("failed to destroy interface %s: %w", nic.MAC, err)
		}
	}
	return nil
}

// deployDisks assigns device letters and creates the images of disks that
// are not ready yet on their datastore's storage queue.
func (s *Service) deployDisks(ctx context.Context, inst *domain.Instance) error {
	if err := assignDeviceLetters(inst.Disks); err != nil {
		return err
	}
	if err := s.save(ctx, inst); err != nil {
		return err
	}

	for i := range inst.Disks {
		disk := &inst.Disks[i]
		if disk.Ready {
			continue
		}
		queue := dispatcher.QueueName(disk.DataStore.Hostname, dispatcher.DriverStorage)
		args := map[string]any{dispatcher.ArgDisk: disk.Descriptor()}
		if _, err := s.remote.Submit(ctx, queue, dispatcher.TaskDiskDeploy, args, s.timeout(s.config.DeployTimeout)); err != nil {
			return fmt.Errorf("failed to deploy disk %s: %w", disk.Name, err)
		}
		disk.Ready = true
		if err := s.save(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// destroyDisks removes the images of every ready disk.
func (s *Service) destroyDisks(ctx context.Context, inst *domain.Instance) error {
	for i := range inst.Disks {
		disk := &inst.Disks[i]
		if !disk.Ready {
			continue
		}
		queue := dispatcher.QueueName(disk.DataStore.Hostname, dispatcher.DriverStorage)
		args := map[string]any{dispatcher.ArgDisk: disk.Descriptor()}
		if _, err := s.remote.Submit(ctx, queue, dispatcher.TaskDiskDestroy, args, s.timeout(0)); err != nil {
			return fmt.Errorf("failed to destroy disk %s: %w", disk.Name, err)
		}
		disk.Ready = false
	}
	return s.save(ctx, inst)
}

// deleteMemDump removes the memory dump written by sleep.
func (s *Service) deleteMemDump(ctx context.Context, inst *domain.Instance) error {
	if inst.MemDumpHost == "" {
		return nil
	}
	queue := dispatcher.QueueName(inst.MemDumpHost, dispatcher.DriverStorage)
	args := map[string]any{dispatcher.ArgPath: inst.MemDumpPath(s.config.DumpDir)}
	if _, err := s.remote.Submit(ctx, queue, dispatcher.TaskDeleteDump, args, s.timeout(0)); err != nil {
		return fmt.Errorf("failed to delete memory dump: %w", err)
	}
	inst.MemDumpHost = ""
	return s.save(ctx, inst)
}
