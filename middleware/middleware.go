// Package middleware provides the server-side handler chain: cross-cutting
// wrappers applied around request dispatch.
package middleware

import (
	"context"

	"keepalive-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
//
// Chain(A, B, C)(handler) → A(B(C(handler))): A sees the request first and
// the response last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
