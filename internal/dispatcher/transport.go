package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/domain"
)

// Transport delivers one task to the worker consuming queue and waits for
// its reply until ctx expires.
type Transport interface {
	Execute(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error)
}

// RemoteError is a failure reported by the worker that ran a task.
type RemoteError struct {
	Queue   string
	Task    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote task %s on %s failed: %s", e.Task, e.Queue, e.Message)
}

// =============================================================================
// CONNECTION POOL
// =============================================================================

// ConnPool keeps one gRPC client connection per agent address.
type ConnPool struct {
	conns  map[string]*grpc.ClientConn
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewConnPool creates an empty pool.
func NewConnPool(logger *zap.Logger) *ConnPool {
	return &ConnPool{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger.With(zap.String("component", "conn-pool")),
	}
}

// Get returns the connection for addr, creating it on first use.
func (p *ConnPool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", addr, err)
	}
	p.conns[addr] = conn
	p.logger.Info("Connected to node agent", zap.String("addr", addr))
	return conn, nil
}

// Disconnect closes the connection to addr.
func (p *ConnPool) Disconnect(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[addr]
	if !ok {
		return nil
	}
	delete(p.conns, addr)
	return conn.Close()
}

// Close closes all connections in the pool.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Error("Error closing connection", zap.String("addr", addr), zap.Error(err))
			lastErr = err
		}
	}
	p.conns = make(map[string]*grpc.ClientConn)
	return lastErr
}

// Addresses returns the addresses with an open connection.
func (p *ConnPool) Addresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.conns))
	for addr := range p.conns {
		out = append(out, addr)
	}
	return out
}

// =============================================================================
// GRPC TRANSPORT
// =============================================================================

// GRPCTransport resolves queues through a registry and calls the agent's
// TaskQueue service.
type GRPCTransport struct {
	registry QueueRegistry
	pool     *ConnPool
	logger   *zap.Logger
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport.
func NewGRPCTransport(registry QueueRegistry, pool *ConnPool, logger *zap.Logger) *GRPCTransport {
	return &GRPCTransport{
		registry: registry,
		pool:     pool,
		logger:   logger.With(zap.String("component", "grpc-transport")),
	}
}

// Execute implements Transport.
func (t *GRPCTransport) Execute(ctx context.Context, queue, task string, args map[string]any) (map[string]any, error) {
	desc, err := t.registry.Resolve(ctx, queue)
	if err != nil {
		return nil, err
	}
	conn, err := t.pool.Get(desc.Address)
	if err != nil {
		return nil, err
	}

	in, err := ToStruct(Request{Queue: queue, Task: task, Args: args})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		return nil, t.translate(ctx, queue, task, err)
	}

	var resp Response
	if err := FromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (t *GRPCTransport) translate(ctx context.Context, queue, task string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", domain.ErrQueueNotFound, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: agent for %s: %s", domain.ErrUnavailable, queue, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, st.Message())
	default:
		return &RemoteError{Queue: queue, Task: task, Message: st.Message()}
	}
}
