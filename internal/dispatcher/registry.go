package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// QueueDescriptor is one queue advertised by a worker.
type QueueDescriptor struct {
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	Driver       string    `json:"driver"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// QueueRegistry knows which workers currently consume which queues.
type QueueRegistry interface {
	// Resolve returns the descriptor of a live queue or domain.ErrQueueNotFound.
	Resolve(ctx context.Context, queue string) (QueueDescriptor, error)
	// ActiveQueues maps worker hostname to its queues. When workers is
	// non-empty only those workers are returned.
	ActiveQueues(ctx context.Context, workers ...string) (map[string][]QueueDescriptor, error)
}

// StaticRegistry is a QueueRegistry backed by a fixed queue→address map.
type StaticRegistry struct {
	mu     sync.RWMutex
	queues map[string]QueueDescriptor
}

var _ QueueRegistry = (*StaticRegistry)(nil)

// NewStaticRegistry builds a registry from queue names to agent addresses.
func NewStaticRegistry(addrs map[string]string) (*StaticRegistry, error) {
	r := &StaticRegistry{queues: make(map[string]QueueDescriptor, len(addrs))}
	for queue, addr := range addrs {
		if err := r.Add(queue, addr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add advertises a queue.
func (r *StaticRegistry) Add(queue, addr string) error {
	host, driver, err := ParseQueueName(queue)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[queue] = QueueDescriptor{
		Name:         queue,
		Hostname:     host,
		Driver:       driver,
		Address:      addr,
		RegisteredAt: time.Now(),
	}
	return nil
}

// Remove withdraws a queue.
func (r *StaticRegistry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, queue)
}

// Resolve implements QueueRegistry.
func (r *StaticRegistry) Resolve(ctx context.Context, queue string) (QueueDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.queues[queue]
	if !ok {
		return QueueDescriptor{}, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, queue)
	}
	return d, nil
}

// ActiveQueues implements QueueRegistry.
func (r *StaticRegistry) ActiveQueues(ctx context.Context, workers ...string) (map[string][]QueueDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return GroupByWorker(mapValues(r.queues), workers...), nil
}

// GroupByWorker groups descriptors by hostname, keeping only the listed
// workers when any are given. Queues are sorted by name.
func GroupByWorker(queues []QueueDescriptor, workers ...string) map[string][]QueueDescriptor {
	want := make(map[string]bool, len(workers))
	for _, w := range workers {
		want[w] = true
	}
	out := make(map[string][]QueueDescriptor)
	for _, q := range queues {
		if len(want) > 0 && !want[q.Hostname] {
			continue
		}
		out[q.Hostname] = append(out[q.Hostname], q)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return out
}

func mapValues(m map[string]QueueDescriptor) []QueueDescriptor {
	out := make([]QueueDescriptor, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
