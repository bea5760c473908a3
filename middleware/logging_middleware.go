package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"keepalive-rpc/message"
)

// LoggingMiddleware logs every dispatched request with its duration and
// outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("status", resp.Status),
			}
			if resp.Status != message.StatusOK {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Info("request served", fields...)
			return resp
		}
	}
}
