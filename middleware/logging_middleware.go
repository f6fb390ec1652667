package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/jsonrpc"
)

// Logging records every request with its method, id, duration, and error
// outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Int64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				fields = append(fields, zap.Int("code", resp.Error.Code), zap.String("error", resp.Error.Message))
				logger.Warn("request failed", fields...)
				return resp
			}
			logger.Info("request served", fields...)
			return resp
		}
	}
}
