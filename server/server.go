// Package server implements the worker-side JSON-RPC 2.0 peer: service
// registration, a middleware chain, parallel request handling, outbound
// notification push, and graceful shutdown.
//
// Request pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → middleware chain → reflection call → response frame
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/jsonrpc"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/transport"
)

// NotificationFunc consumes an inbound fire-and-forget notification.
type NotificationFunc func(ctx context.Context, params json.RawMessage)

// Server registers services and answers requests from connected clients.
type Server struct {
	serviceMap           map[string]*service         // "Version" → *service
	notificationHandlers map[string]NotificationFunc // fire-and-forget methods
	listener             net.Listener
	wg                   sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown             atomic.Bool    // suppresses the Accept error during Shutdown
	middlewares          []middleware.Middleware
	handler              middleware.HandlerFunc // chain(...)(businessHandler), built once in Serve
	registry             registry.Registry      // nil when not advertising
	advertiseAddr        string                 // routable address registered in etcd
	logger               *zap.Logger

	connMu sync.Mutex
	conns  map[*transport.Conn]struct{} // live connections, for Notify
}

// NewServer creates a server with no services registered. A nil logger
// disables logging.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		serviceMap:           make(map[string]*service),
		notificationHandlers: make(map[string]NotificationFunc),
		logger:               logger,
		conns:                make(map[*transport.Conn]struct{}),
	}
}

// Register exposes the exported methods of rcvr that match the RPC
// signature `func (s *T) M(args *A, reply *R) error` as "T.M".
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// OnNotification registers the handler for inbound notifications of the
// given method. One handler per method; duplicates fail at registration.
func (svr *Server) OnNotification(method string, fn NotificationFunc) error {
	if _, exists := svr.notificationHandlers[method]; exists {
		return fmt.Errorf("server: notification handler for %q already registered", method)
	}
	svr.notificationHandlers[method] = fn
	return nil
}

// Use appends a middleware. Middlewares run in registration order.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and enters the accept loop. When reg is non-nil
// every registered service name is advertised at advertiseAddr with a TTL
// lease. advertiseAddr differs from the listen address because ":9000" is
// not routable from other hosts.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener

	// Build the middleware chain once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.serviceMap {
			if err := reg.Register(serviceName, registry.WorkerEndpoint{
				Addr: advertiseAddr,
			}, 10); err != nil {
				svr.logger.Warn("failed to advertise service",
					zap.String("service", serviceName), zap.Error(err))
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(transport.NewConn(conn))
	}
}

// Notify pushes a notification to every live connection. Write failures on
// individual connections are logged and skipped; one dying client must not
// stop the others from hearing the event.
func (svr *Server) Notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}

	svr.connMu.Lock()
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.connMu.Unlock()

	for _, c := range conns {
		if err := c.WriteEnvelope(n); err != nil {
			svr.logger.Warn("notify failed", zap.String("method", method), zap.Error(err))
		}
	}
	return nil
}

// handleConn reads frames sequentially from one connection and dispatches
// each request to its own goroutine. The per-connection write lock lives
// inside transport.Conn, so concurrent responses never interleave.
func (svr *Server) handleConn(conn *transport.Conn) {
	svr.connMu.Lock()
	svr.conns[conn] = struct{}{}
	svr.connMu.Unlock()

	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return // connection closed or broken
		}
		svr.dispatch(conn, frame)
	}
}

// dispatch mirrors the client-side classification: protocol failures are
// answered in place, requests fan out to goroutines, notifications are
// fire-and-forget, and response shapes are dropped (the server issues no
// requests of its own).
func (svr *Server) dispatch(conn *transport.Conn, frame []byte) {
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		code := jsonrpc.CodeParseError
		if errors.As(err, &typeErr) {
			code = jsonrpc.CodeInvalidRequest
		}
		svr.writeResponse(conn, jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(code, err.Error())))
		return
	}
	if env.Jsonrpc != jsonrpc.Version {
		svr.writeResponse(conn, jsonrpc.NewErrorResponse(env.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidRequest,
				fmt.Sprintf("unsupported protocol version %q", env.Jsonrpc))))
		return
	}

	switch {
	case env.ID == nil:
		svr.dispatchNotification(&env)
	case env.Method != "":
		req := &jsonrpc.Request{Jsonrpc: env.Jsonrpc, ID: *env.ID, Method: env.Method, Params: env.Params}
		go svr.handleRequest(conn, req)
	case env.Result != nil || env.Error != nil:
		svr.logger.Warn("dropping unexpected response frame", zap.Int64("id", *env.ID))
	default:
		svr.writeResponse(conn, jsonrpc.NewErrorResponse(env.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidRequest,
				"envelope carries an id but no method, result, or error")))
	}
}

func (svr *Server) dispatchNotification(env *jsonrpc.Envelope) {
	fn := svr.notificationHandlers[env.Method]
	if fn == nil {
		svr.logger.Warn("dropping notification with no handler", zap.String("method", env.Method))
		return
	}
	params := env.Params
	method := env.Method
	go func() {
		defer func() {
			if r := recover(); r != nil {
				svr.logger.Warn("notification handler panicked",
					zap.String("method", method), zap.Any("panic", r))
			}
		}()
		fn(context.Background(), params)
	}()
}

// handleRequest runs one request through the middleware chain and writes
// the response. Tracked by the wait group so Shutdown can drain in-flight
// work.
func (svr *Server) handleRequest(conn *transport.Conn, req *jsonrpc.Request) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	resp := svr.handler(context.Background(), req)
	if resp == nil {
		resp = jsonrpc.NewErrorResponse(&req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "handler produced no response"))
	}
	svr.writeResponse(conn, resp)
}

func (svr *Server) writeResponse(conn *transport.Conn, resp *jsonrpc.Response) {
	if err := conn.WriteEnvelope(resp); err != nil {
		svr.logger.Warn("failed to write response", zap.Error(err))
	}
}

// Shutdown drains the server:
//  1. Deregister from etcd so clients stop discovering this endpoint.
//  2. Set the shutdown flag, then close the listener (flag first, so the
//     Accept error in Serve is recognized as intentional).
//  3. Wait for in-flight requests, bounded by timeout.
//  4. Close the remaining connections.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		for serviceName := range svr.serviceMap {
			if err := svr.registry.Deregister(serviceName, svr.advertiseAddr); err != nil {
				svr.logger.Warn("failed to deregister service",
					zap.String("service", serviceName), zap.Error(err))
			}
		}
	}

	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-time.After(timeout):
		waitErr = fmt.Errorf("timeout waiting for in-flight requests to finish")
	}

	svr.connMu.Lock()
	for c := range svr.conns {
		c.Close()
	}
	svr.conns = make(map[*transport.Conn]struct{})
	svr.connMu.Unlock()

	return waitErr
}

// businessHandler resolves "Service.Method" against the registered services
// and invokes it by reflection. It sits at the end of the middleware chain.
func (svr *Server) businessHandler(_ context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	split := strings.Split(req.Method, ".")
	if len(split) != 2 {
		return jsonrpc.NewErrorResponse(&req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q is not of the form Service.Method", req.Method)))
	}
	serviceName, methodName := split[0], split[1]

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return jsonrpc.NewErrorResponse(&req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("service %q not found", serviceName)))
	}
	mt, ok := svc.method[methodName]
	if !ok {
		return jsonrpc.NewErrorResponse(&req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found on service %q", methodName, serviceName)))
	}

	argv, replyv := mt.newArgs()
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, argv.Interface()); err != nil {
			return jsonrpc.NewErrorResponse(&req.ID,
				jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error()))
		}
	}

	if err := svc.call(mt, argv, replyv); err != nil {
		return jsonrpc.NewErrorResponse(&req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}

	resp, err := jsonrpc.NewResult(req.ID, replyv.Interface())
	if err != nil {
		return jsonrpc.NewErrorResponse(&req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "marshal result: "+err.Error()))
	}
	return resp
}
