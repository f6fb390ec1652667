package middleware

import (
	"context"
	"time"

	"duplex-rpc/jsonrpc"
)

// Timeout bounds handler execution. When the deadline elapses first, the
// request is answered with a timeout error; the handler keeps running in
// its goroutine but its late response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *jsonrpc.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return jsonrpc.NewErrorResponse(&req.ID,
					jsonrpc.NewError(jsonrpc.CodeRequestTimeout, "request timed out"))
			}
		}
	}
}
