package middleware

import (
	"context"
	"time"

	"keepalive-rpc/message"
)

// TimeOutMiddleware bounds handler execution. A handler that overruns the
// budget gets its response discarded and the caller receives an ERROR.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					Status: message.StatusError,
					Error:  "request timed out",
				}
			}
		}
	}
}
