// Package client implements the duplex JSON-RPC 2.0 client that drives an
// external worker process over a single persistent TCP connection.
//
// The client plays both roles on the one connection: it issues requests and
// awaits their correlated responses, and it serves requests and
// notifications that the worker sends back. The key piece is the
// correlation table: every outgoing request gets a unique id, and the read
// loop routes each inbound response to the caller waiting on that id.
//
//	caller-1 ──Go(id=1)──┐
//	caller-2 ──Go(id=2)──┼──→ single TCP conn ──→ worker
//	                     │
//	readLoop: ←── {"id":2,"result":...} → pending[2] ← caller-2 wakes up
//	          ←── {"id":9,"method":...} → spawned request handler
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"duplex-rpc/jsonrpc"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"
	"duplex-rpc/transport"
)

// Usage errors. These indicate a defect in the calling code; they are
// returned synchronously and never travel over the wire.
var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected or connecting")
	ErrInvalidID        = errors.New("client: reply requires a positive request id")
	ErrDuplicateHandler = errors.New("client: handler already registered")
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota // initial and terminal
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RequestHandler answers an inbound request from the worker. The returned
// value is marshaled into the success result; a returned error becomes a
// protocol error response tagged with the request id.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes an inbound notification. There is no return
// path: failures are logged locally, never reported to the peer.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Client is one connection-owning instance. The correlation table and both
// handler registries are fields of the instance, never package globals, so
// two clients never share dispatch state.
type Client struct {
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *transport.Conn
	nextID  int64                            // last issued request id, seeded at 0 (first id = 1)
	pending map[int64]chan *jsonrpc.Response // correlation table: in-flight request id → awaiting caller

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	// session context, canceled on every transition to Disconnected;
	// handed to spawned handlers so they observe the disconnect
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a disconnected client. A nil logger disables logging.
func New(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:               logger,
		pending:              make(map[int64]chan *jsonrpc.Response),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnRequest registers the handler for inbound requests of the given method.
// At most one handler per method; registering a second one is a
// configuration defect reported immediately, not at dispatch time.
func (c *Client) OnRequest(method string, h RequestHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requestHandlers[method]; exists {
		return fmt.Errorf("%w: request handler for %q", ErrDuplicateHandler, method)
	}
	c.requestHandlers[method] = h
	return nil
}

// OnNotification registers the handler for inbound notifications of the
// given method. Same one-per-method rule as OnRequest.
func (c *Client) OnNotification(method string, h NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.notificationHandlers[method]; exists {
		return fmt.Errorf("%w: notification handler for %q", ErrDuplicateHandler, method)
	}
	c.notificationHandlers[method] = h
	return nil
}

// Connect dials the worker at address ("host:port") and starts the read
// loop. Connecting while not Disconnected is a usage error. On dial failure
// the client returns to Disconnected and the error is surfaced to the
// caller.
func (c *Client) Connect(address string) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := transport.Dial(address)

	c.mu.Lock()
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}
	c.state = Connected
	c.conn = conn
	c.nextID = 0 // fresh session: ids restart at 1
	c.pending = make(map[int64]chan *jsonrpc.Response)
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("address", address))
	go c.readLoop(ctx, conn)
	return nil
}

// ConnectWorker resolves a worker name through the registry, picks one
// endpoint with the balancer, and connects to it. Discovery narrows to a
// single endpoint before dialing; the client still holds exactly one
// physical connection.
func (c *Client) ConnectWorker(reg registry.Registry, bal loadbalance.Balancer, worker string) error {
	endpoints, err := reg.Discover(worker)
	if err != nil {
		return err
	}
	ep, err := bal.Pick(endpoints)
	if err != nil {
		return fmt.Errorf("client: no endpoint for worker %q: %w", worker, err)
	}
	return c.Connect(ep.Addr)
}

// Close transitions to Disconnected synchronously, rejects every pending
// correlation, and then finalizes the transport. Closing a client that is
// not Connected is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	c.failPendingLocked()
	c.mu.Unlock()

	cancel()
	return conn.Close()
}

// Go issues a request and returns its id plus the channel that will
// receive the correlated response. The channel is buffered; the read loop
// never blocks on a slow caller.
func (c *Client) Go(method string, params any) (int64, <-chan *jsonrpc.Response, error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *jsonrpc.Response, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return 0, nil, err
	}
	if err := conn.WriteEnvelope(req); err != nil {
		c.dropPending(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// Call issues a request and awaits its response. A peer error response is
// returned as *jsonrpc.Error; on success the result payload is unmarshaled
// into reply (which may be nil to discard it).
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	id, ch, err := c.Go(method, params)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if reply == nil || resp.Result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, reply)
	}
}

// Notify sends a fire-and-forget notification. No correlation is recorded
// and no response will ever arrive for it.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(n)
}

// Reply sends a success result for an inbound request id. A result with no
// id has nowhere to go; ids below 1 are rejected as a usage error.
func (c *Client) Reply(id int64, result any) error {
	if id < 1 {
		return ErrInvalidID
	}
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		return err
	}
	return c.writeResponse(resp)
}

// ReplyError sends an error result for an inbound request id.
func (c *Client) ReplyError(id int64, rpcErr *jsonrpc.Error) error {
	if id < 1 {
		return ErrInvalidID
	}
	return c.writeResponse(jsonrpc.NewErrorResponse(&id, rpcErr))
}

func (c *Client) writeResponse(resp *jsonrpc.Response) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteEnvelope(resp)
}

// dropPending abandons a correlation that will never resolve (send failure
// or caller cancellation).
func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked rejects every outstanding correlation with a
// "connection closed" error and clears the table, so no caller stays
// suspended past a disconnect. Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		rid := id
		ch <- &jsonrpc.Response{
			Jsonrpc: jsonrpc.Version,
			ID:      &rid,
			Error:   jsonrpc.NewError(jsonrpc.CodeConnectionClosed, "connection closed"),
		}
	}
	c.pending = make(map[int64]chan *jsonrpc.Response)
}
