package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

type handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// TaskServer serves the TaskQueue gRPC service for the queues of one host.
type TaskServer struct {
	hostname string
	queues   map[string]map[string]handler
	logger   *zap.Logger
}

var _ dispatcher.TaskQueueServer = (*TaskServer)(nil)

// NewTaskServer creates a server for hostname. A nil driver disables its queue.
func NewTaskServer(hostname string, vm VMDriver, net NetDriver, storage StorageDriver, logger *zap.Logger) *TaskServer {
	s := &TaskServer{
		hostname: hostname,
		queues:   make(map[string]map[string]handler),
		logger:   logger.Named("task-server"),
	}
	if vm != nil {
		s.queues[dispatcher.QueueName(hostname, dispatcher.DriverVM)] = vmHandlers(vm)
	}
	if net != nil {
		s.queues[dispatcher.QueueName(hostname, dispatcher.DriverNet)] = netHandlers(net)
	}
	if storage != nil {
		s.queues[dispatcher.QueueName(hostname, dispatcher.DriverStorage)] = storageHandlers(storage)
	}
	return s
}

// Queues returns the names of the queues served, sorted.
func (s *TaskServer) Queues() []string {
	out := make([]string, 0, len(s.queues))
	for q := range s.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Execute implements dispatcher.TaskQueueServer.
func (s *TaskServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r dispatcher.Request
	if err := dispatcher.FromStruct(req, &r); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	tasks, ok := s.queues[r.Queue]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "queue %s is not served by %s", r.Queue, s.hostname)
	}
	h, ok := tasks[r.Task]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "queue %s has no task %s", r.Queue, r.Task)
	}

	logger := s.logger.With(zap.String("queue", r.Queue), zap.String("task", r.Task))
	start := time.Now()
	result, err := h(ctx, r.Args)
	if err != nil {
		logger.Warn("Task failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, toStatus(err)
	}
	logger.Debug("Task finished", zap.Duration("elapsed", time.Since(start)))

	out, err := dispatcher.ToStruct(dispatcher.Response{Result: result})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func decode(args map[string]any, key string, out any) error {
	if err := dispatcher.DecodeArg(args, key, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	var v string
	if err := decode(args, key, &v); err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%w: empty argument %q", domain.ErrInvalidArgument, key)
	}
	return v, nil
}

// byName adapts a driver call that takes only the domain name.
func byName(fn func(ctx context.Context, name string) error) handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		name, err := stringArg(args, dispatcher.ArgName)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, name)
	}
}

// byNameAndPath adapts a driver call on a domain and a dump path.
func byNameAndPath(fn func(ctx context.Context, name, path string) error) handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		name, err := stringArg(args, dispatcher.ArgName)
		if err != nil {
			return nil, err
		}
		path, err := stringArg(args, dispatcher.ArgPath)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, name, path)
	}
}

func vmHandlers(drv VMDriver) map[string]handler {
	return map[string]handler{
		dispatcher.TaskDeploy: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var vm domain.VMDescriptor
			if err := decode(args, dispatcher.ArgVM, &vm); err != nil {
				return nil, err
			}
			return nil, drv.Deploy(ctx, vm)
		},
		dispatcher.TaskDestroy:  byName(drv.Destroy),
		dispatcher.TaskSleep:    byNameAndPath(drv.Save),
		dispatcher.TaskWakeUp:   byNameAndPath(drv.Restore),
		dispatcher.TaskShutOff:  byName(drv.ShutOff),
		dispatcher.TaskReboot:   byName(drv.Reboot),
		dispatcher.TaskReset:    byName(drv.Reset),
		dispatcher.TaskShutdown: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			name, err := stringArg(args, dispatcher.ArgName)
			if err != nil {
				return nil, err
			}
			var seconds float64
			if _, ok := args[dispatcher.ArgTimeout]; ok {
				if err := decode(args, dispatcher.ArgTimeout, &seconds); err != nil {
					return nil, err
				}
			}
			return nil, drv.Shutdown(ctx, name, time.Duration(seconds*float64(time.Second)))
		},
		dispatcher.TaskMigrate: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			name, err := stringArg(args, dispatcher.ArgName)
			if err != nil {
				return nil, err
			}
			dest, err := stringArg(args, dispatcher.ArgDestHost)
			if err != nil {
				return nil, err
			}
			return nil, drv.Migrate(ctx, name, dest)
		},
		dispatcher.TaskDomainInfo: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			name, err := stringArg(args, dispatcher.ArgName)
			if err != nil {
				return nil, err
			}
			st, err := drv.State(ctx, name)
			if err != nil {
				return nil, err
			}
			return map[string]any{dispatcher.ArgState: string(st)}, nil
		},
		dispatcher.TaskNodeInfo: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			info, err := drv.NodeInfo(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"cores": info.Cores, "ram_bytes": info.RAMBytes}, nil
		},
	}
}

func netHandlers(drv NetDriver) map[string]handler {
	nic := func(fn func(context.Context, domain.NICDescriptor) error) handler {
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var d domain.NICDescriptor
			if err := decode(args, dispatcher.ArgNIC, &d); err != nil {
				return nil, err
			}
			return nil, fn(ctx, d)
		}
	}
	return map[string]handler{
		dispatcher.TaskNetCreate:  nic(drv.AttachInterface),
		dispatcher.TaskNetDestroy: nic(drv.DetachInterface),
	}
}

func storageHandlers(drv StorageDriver) map[string]handler {
	disk := func(fn func(context.Context, domain.DiskDescriptor) error) handler {
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var d domain.DiskDescriptor
			if err := decode(args, dispatcher.ArgDisk, &d); err != nil {
				return nil, err
			}
			return nil, fn(ctx, d)
		}
	}
	return map[string]handler{
		dispatcher.TaskDiskDeploy:  disk(drv.CreateDisk),
		dispatcher.TaskDiskDestroy: disk(drv.DeleteDisk),
		dispatcher.TaskDeleteDump: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			path, err := stringArg(args, dispatcher.ArgPath)
			if err != nil {
				return nil, err
			}
			return nil, drv.DeleteDump(ctx, path)
		},
	}
}
