// Package middleware implements the onion model middleware chain for
// dispatch handlers. Middleware wraps a dispatch.HandlerFunc to add
// cross-cutting concerns (logging, timeout) without modifying the handler
// itself, the way the teacher's middleware package wraps its own
// HandlerFunc — generalized here from message.RPCMessage request/response
// values to the (ctx, req, conn, responder) error-returning signature
// dispatch.Registry invokes.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import (
	"github.com/bx-d/rpcmux/dispatch"
)

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next dispatch.HandlerFunc) dispatch.HandlerFunc

// Chain composes multiple middlewares into one, building from right to left
// so the first middleware listed is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
