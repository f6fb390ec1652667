package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplex-rpc/jsonrpc"
)

// RateLimit sheds requests above the token-bucket rate. Rejected requests
// are answered with a rate-limited error carrying the request id; they
// never reach the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
			if !limiter.Allow() {
				return jsonrpc.NewErrorResponse(&req.ID,
					jsonrpc.NewError(jsonrpc.CodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
