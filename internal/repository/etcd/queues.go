package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

const queuePrefix = "/circle/queues/"

func queueKey(name string) string {
	return queuePrefix + name
}

// QueueRegistry advertises worker queues in etcd. Entries are bound to the
// advertising agent's session, so a dead agent's queues disappear with its
// lease.
type QueueRegistry struct {
	client *Client
	logger *zap.Logger
}

var _ dispatcher.QueueRegistry = (*QueueRegistry)(nil)

// NewQueueRegistry creates a registry on top of client.
func NewQueueRegistry(client *Client, logger *zap.Logger) *QueueRegistry {
	return &QueueRegistry{client: client, logger: logger.Named("queue-registry")}
}

// Advertise publishes a queue served at addr.
func (r *QueueRegistry) Advertise(ctx context.Context, queue, addr string) error {
	host, driver, err := dispatcher.ParseQueueName(queue)
	if err != nil {
		return err
	}
	desc := dispatcher.QueueDescriptor{
		Name:         queue,
		Hostname:     host,
		Driver:       driver,
		Address:      addr,
		RegisteredAt: time.Now(),
	}
	if err := r.client.PutEphemeral(ctx, queueKey(queue), desc); err != nil {
		return fmt.Errorf("failed to advertise queue %s: %w", queue, err)
	}
	r.logger.Info("Queue advertised", zap.String("queue", queue), zap.String("address", addr))
	return nil
}

// Withdraw removes a queue.
func (r *QueueRegistry) Withdraw(ctx context.Context, queue string) error {
	return r.client.Delete(ctx, queueKey(queue))
}

// Resolve implements dispatcher.QueueRegistry.
func (r *QueueRegistry) Resolve(ctx context.Context, queue string) (dispatcher.QueueDescriptor, error) {
	var desc dispatcher.QueueDescriptor
	if err := r.client.Get(ctx, queueKey(queue), &desc); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return desc, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, queue)
		}
		return desc, err
	}
	return desc, nil
}

// ActiveQueues implements dispatcher.QueueRegistry.
func (r *QueueRegistry) ActiveQueues(ctx context.Context, workers ...string) (map[string][]dispatcher.QueueDescriptor, error) {
	raw, err := r.client.ListRaw(ctx, queuePrefix)
	if err != nil {
		return nil, err
	}
	return dispatcher.GroupByWorker(decodeQueues(raw, r.logger), workers...), nil
}

func decodeQueues(raw [][]byte, logger *zap.Logger) []dispatcher.QueueDescriptor {
	out := make([]dispatcher.QueueDescriptor, 0, len(raw))
	for _, v := range raw {
		var desc dispatcher.QueueDescriptor
		if err := json.Unmarshal(v, &desc); err != nil {
			logger.Warn("Skipping malformed queue entry", zap.Error(err))
			continue
		}
		out = append(out, desc)
	}
	return out
}
