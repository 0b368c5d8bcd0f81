package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/circlecloud/circle/internal/dispatcher"
)

// ErrLeaseLost is returned by Run when the agent's registry lease expired.
var ErrLeaseLost = errors.New("queue registry lease lost")

// Advertiser publishes the agent's queues to the control plane.
type Advertiser interface {
	Advertise(ctx context.Context, queue, addr string) error
	Withdraw(ctx context.Context, queue string) error
}

// Agent serves a TaskServer over gRPC and advertises its queues.
type Agent struct {
	server     *TaskServer
	advertiser Advertiser
	listenAddr string
	advertise  string
	leaseLost  <-chan struct{}
	logger     *zap.Logger
}

// New creates an agent. advertiseAddr defaults to listenAddr. leaseLost may
// be nil when the advertiser has no lease.
func New(server *TaskServer, advertiser Advertiser, listenAddr, advertiseAddr string, leaseLost <-chan struct{}, logger *zap.Logger) *Agent {
	if advertiseAddr == "" {
		advertiseAddr = listenAddr
	}
	return &Agent{
		server:     server,
		advertiser: advertiser,
		listenAddr: listenAddr,
		advertise:  advertiseAddr,
		leaseLost:  leaseLost,
		logger:     logger.Named("agent"),
	}
}

// Run serves until ctx is cancelled or the lease is lost.
func (a *Agent) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	dispatcher.RegisterTaskQueueServer(grpcServer, a.server)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Task queue server listening", zap.String("address", a.listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	queues := a.server.Queues()
	for _, q := range queues {
		if err := a.advertiser.Advertise(ctx, q, a.advertise); err != nil {
			grpcServer.Stop()
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down agent")
	case <-a.leaseLost:
		runErr = ErrLeaseLost
		a.logger.Error("Registry lease lost, stopping")
	case err := <-errCh:
		return fmt.Errorf("task queue server: %w", err)
	}

	withdrawCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, q := range queues {
		if err := a.advertiser.Withdraw(withdrawCtx, q); err != nil {
			a.logger.Warn("Failed to withdraw queue", zap.String("queue", q), zap.Error(err))
		}
	}
	grpcServer.GracefulStop()
	return runErr
}
