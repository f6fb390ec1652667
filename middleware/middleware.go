// Package middleware provides the server-side handler chain.
//
// A Middleware wraps a HandlerFunc the onion way:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// so A sees the request first and the response last.
package middleware

import (
	"context"

	"duplex-rpc/jsonrpc"
)

// HandlerFunc processes one inbound request and produces its response.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, applied in the given order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
