// Package dispatcher routes work to per-node, per-driver task queues and to
// local worker pools.
package dispatcher

import (
	"fmt"
	"strings"
)

// Driver ids served by node agents.
const (
	DriverVM      = "vm"
	DriverNet     = "net"
	DriverStorage = "storage"
)

// QueueName derives the queue a node's driver listens on, e.g. "node7.vm".
func QueueName(hostname, driver string) string {
	return hostname + "." + driver
}

// ParseQueueName splits a queue name into hostname and driver. Hostnames may
// contain dots; the driver is the last segment.
func ParseQueueName(queue string) (hostname, driver string, err error) {
	i := strings.LastIndexByte(queue, '.')
	if i <= 0 || i == len(queue)-1 {
		return "", "", fmt.Errorf("invalid queue name %q", queue)
	}
	return queue[:i], queue[i+1:], nil
}
