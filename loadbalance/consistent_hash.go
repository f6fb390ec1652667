package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"duplex-rpc/registry"
)

// ConsistentHashBalancer maps an affinity key to an endpoint on a hash
// ring, so the same key reaches the same worker until the ring changes.
//
// Each real endpoint occupies replicas virtual nodes on the ring; without
// them a handful of endpoints could cluster and skew the distribution.
//
// Note: PickKey takes a string key, not an endpoint list, so this type does
// not implement the Balancer interface directly.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32 // sorted hash positions
	nodes    map[uint32]*registry.WorkerEndpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*registry.WorkerEndpoint),
	}
}

// Add places an endpoint onto the ring under its virtual nodes.
func (b *ConsistentHashBalancer) Add(endpoint *registry.WorkerEndpoint) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", endpoint.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	// The ring must stay sorted for the binary search in PickKey.
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the endpoint responsible for the key: the first node at or
// after the key's hash, wrapping to the start of the ring past the end.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.WorkerEndpoint, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
