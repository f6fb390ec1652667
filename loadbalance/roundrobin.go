package loadbalance

import (
	"fmt"
	"sync/atomic"

	"duplex-rpc/registry"
)

// RoundRobinBalancer cycles through the endpoints in order. The atomic
// counter keeps Pick lock-free and goroutine-safe.
type RoundRobinBalancer struct {
	counter int64
}

// Pick selects the next endpoint in round-robin order.
func (b *RoundRobinBalancer) Pick(endpoints []registry.WorkerEndpoint) (*registry.WorkerEndpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
