// Package registry provides the etcd-based worker endpoint registry.
//
// A worker process advertises itself under
//
//	Key:   /duplex-rpc/workers/{worker}/{addr}
//	Value: JSON-encoded WorkerEndpoint
//
// with a TTL lease that KeepAlive renews in the background. If the worker
// crashes, the lease expires and the entry disappears on its own, so
// clients never discover a dead endpoint for long.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/duplex-rpc/workers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register advertises a worker endpoint with a TTL lease and starts
// background renewal. The lease id stays local so one EtcdRegistry can be
// shared by several workers without a data race.
func (r *EtcdRegistry) Register(worker string, endpoint WorkerEndpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+worker+"/"+endpoint.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a worker endpoint. Called during graceful shutdown
// before the listener closes.
func (r *EtcdRegistry) Deregister(worker string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+worker+"/"+addr)
	return err
}

// Discover returns every endpoint currently advertised for the worker.
func (r *EtcdRegistry) Discover(worker string) ([]WorkerEndpoint, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+worker+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]WorkerEndpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep WorkerEndpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full endpoint list for a worker whenever anything under
// its prefix changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) Watch(worker string) <-chan []WorkerEndpoint {
	ch := make(chan []WorkerEndpoint, 1)
	prefix := keyPrefix + worker + "/"

	go func() {
		watchChan := r.client.Watch(context.TODO(), prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than folding individual events.
			endpoints, _ := r.Discover(worker)
			ch <- endpoints
		}
	}()

	return ch
}
