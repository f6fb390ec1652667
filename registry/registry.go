package registry

// WorkerEndpoint describes one reachable instance of a worker process.
type WorkerEndpoint struct {
	Addr    string // "host:port"
	Weight  int    // relative capacity, used by weighted balancers
	Version string
}

// Registry resolves worker names to endpoints, so a client can locate the
// worker process it drives without a hard-coded address.
type Registry interface {
	Register(worker string, endpoint WorkerEndpoint, ttl int64) error
	Deregister(worker string, addr string) error
	Discover(worker string) ([]WorkerEndpoint, error)
	Watch(worker string) <-chan []WorkerEndpoint
}
