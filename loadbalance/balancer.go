// Package loadbalance selects one worker endpoint when discovery returns
// several. The choice happens once, before connecting; the client still
// holds a single physical connection afterwards.
//
// Strategies:
//   - RoundRobin:      equal-capacity workers
//   - WeightedRandom:  heterogeneous workers (different CPU/memory)
//   - ConsistentHash:  sticky selection keyed by an affinity string
package loadbalance

import "duplex-rpc/registry"

// Balancer picks one endpoint from the discovered list.
type Balancer interface {
	// Pick selects one endpoint. Must be goroutine-safe.
	Pick(endpoints []registry.WorkerEndpoint) (*registry.WorkerEndpoint, error)

	// Name returns the strategy name, for logging.
	Name() string
}
