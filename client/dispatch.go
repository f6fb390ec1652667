package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"duplex-rpc/jsonrpc"
	"duplex-rpc/transport"
)

// readLoop runs in a dedicated goroutine per connection. Frames are
// dispatched strictly in arrival order; only handler execution is spawned,
// so a slow handler on frame 1 never stalls frame 2.
//
// The byte stream has a single cursor, so there is exactly one reader.
func (c *Client) readLoop(ctx context.Context, conn *transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(ctx, conn, frame)
	}
}

// handleDisconnect reacts to an asynchronous transport failure. If the
// client is already Disconnected, or the event belongs to a previous
// connection, it is a duplicate racing an explicit Close and is ignored.
// The failure is observable only through logs and rejected pending calls;
// it is never raised to the caller of Connect.
func (c *Client) handleDisconnect(conn *transport.Conn, err error) {
	c.mu.Lock()
	if c.state == Disconnected || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	c.failPendingLocked()
	c.mu.Unlock()

	c.logger.Warn("connection lost", zap.Error(err))
	cancel()
	_ = conn.Close()
}

// dispatch classifies one decoded frame and routes it. Each step is
// terminal: parse check, envelope check, then classification by shape.
func (c *Client) dispatch(ctx context.Context, conn *transport.Conn, frame []byte) {
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Valid JSON, but not an object of the expected shape.
			c.sendProtocolError(conn, nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		} else {
			c.sendProtocolError(conn, nil, jsonrpc.NewError(jsonrpc.CodeParseError, err.Error()))
		}
		return
	}
	if env.Jsonrpc != jsonrpc.Version {
		// Use the envelope's id when it has a usable one.
		c.sendProtocolError(conn, env.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %q", env.Jsonrpc)))
		return
	}

	switch {
	case env.ID == nil:
		c.dispatchNotification(ctx, &env)
	case env.Method != "":
		c.dispatchRequest(ctx, conn, &env)
	case env.Result != nil:
		c.resolvePending(*env.ID, &jsonrpc.Response{Jsonrpc: env.Jsonrpc, ID: env.ID, Result: env.Result})
	case env.Error != nil:
		c.resolvePending(*env.ID, &jsonrpc.Response{Jsonrpc: env.Jsonrpc, ID: env.ID, Error: env.Error})
	default:
		// An id with none of method/result/error identifies nothing.
		c.sendProtocolError(conn, env.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest,
			"envelope carries an id but no method, result, or error"))
	}
}

// dispatchNotification invokes the registered handler in a spawned
// goroutine. The dispatcher never awaits it; a panic is recovered and
// logged, never reported over the wire. A notification with no handler is
// a non-fatal anomaly: log and drop.
func (c *Client) dispatchNotification(ctx context.Context, env *jsonrpc.Envelope) {
	c.mu.Lock()
	h := c.notificationHandlers[env.Method]
	c.mu.Unlock()
	if h == nil {
		c.logger.Warn("dropping notification with no handler", zap.String("method", env.Method))
		return
	}
	params := env.Params
	method := env.Method
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn("notification handler panicked",
					zap.String("method", method), zap.Any("panic", r))
			}
		}()
		h(ctx, params)
	}()
}

// dispatchRequest serves an inbound request in a spawned goroutine so the
// read loop can move on to the next frame; multiple inbound requests may
// complete in any order. The handler outcome always produces exactly one
// response tagged with the request id:
//
//	no handler      → MethodNotFound
//	returned error  → InternalError (or the *jsonrpc.Error as given)
//	panic           → InternalError with the message and stack in data
//	returned value  → success result
func (c *Client) dispatchRequest(ctx context.Context, conn *transport.Conn, env *jsonrpc.Envelope) {
	id := *env.ID
	c.mu.Lock()
	h := c.requestHandlers[env.Method]
	c.mu.Unlock()
	if h == nil {
		c.sendProtocolError(conn, env.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", env.Method)))
		return
	}
	method := env.Method
	params := env.Params
	go func() {
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("handler for %q panicked: %v", method, r)
				c.sendResponse(conn, jsonrpc.NewErrorResponse(&id,
					jsonrpc.NewErrorWithData(jsonrpc.CodeInternalError, msg, map[string]string{
						"method": method,
						"stack":  string(debug.Stack()),
					})))
			}
		}()

		result, err := h(ctx, params)
		if err != nil {
			var rpcErr *jsonrpc.Error
			if !errors.As(err, &rpcErr) {
				rpcErr = jsonrpc.NewErrorWithData(jsonrpc.CodeInternalError, err.Error(),
					map[string]string{"method": method})
			}
			c.sendResponse(conn, jsonrpc.NewErrorResponse(&id, rpcErr))
			return
		}
		resp, err := jsonrpc.NewResult(id, result)
		if err != nil {
			c.sendResponse(conn, jsonrpc.NewErrorResponse(&id,
				jsonrpc.NewError(jsonrpc.CodeInternalError, "marshal result: "+err.Error())))
			return
		}
		c.sendResponse(conn, resp)
	}()
}

// resolvePending consumes the correlation for id, waking the caller that
// awaits it. A response with no matching entry may legitimately arrive for
// an abandoned call: log and drop, never escalate.
func (c *Client) resolvePending(id int64, resp *jsonrpc.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("dropping response with no pending call", zap.Int64("id", id))
		return
	}
	ch <- resp
}

// sendProtocolError reports a protocol-level failure back to the peer. id
// is nil when the offending envelope had no usable id.
func (c *Client) sendProtocolError(conn *transport.Conn, id *int64, rpcErr *jsonrpc.Error) {
	c.sendResponse(conn, jsonrpc.NewErrorResponse(id, rpcErr))
}

func (c *Client) sendResponse(conn *transport.Conn, resp *jsonrpc.Response) {
	if err := conn.WriteEnvelope(resp); err != nil {
		c.logger.Warn("failed to write response", zap.Error(err))
	}
}
