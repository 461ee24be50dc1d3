// Package ratelimit generalizes the teacher's middleware.RateLimitMiddleware
// — a token-bucket decorator around a single RPC handler chain — to the
// dispatch.HandlerFunc signature this module's three transports share. It
// keeps golang.org/x/time/rate, the teacher's own limiter library, and the
// same "build the limiter once, outside the hot path" discipline the
// teacher's doc comment calls out: a limiter created per-request would give
// every request a fresh full bucket and defeat the point entirely.
package ratelimit

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/respond"
)

// ErrRateLimited is the error a limited call returns; dispatch.Invoke turns
// it into a "Handler error: rate limit exceeded" reply the same way it does
// for any other handler error.
var ErrRateLimited = errors.New("rate limit exceeded")

// Wrap decorates handler with a single shared token bucket: r tokens per
// second refill, up to burst tokens banked. Every call through every
// connection on every transport draws from the same bucket — use this for a
// process-wide ceiling on one command id.
func Wrap(handler dispatch.HandlerFunc, r float64, burst int) dispatch.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		if !limiter.Allow() {
			return ErrRateLimited
		}
		return handler(ctx, req, conn, resp)
	}
}

const connAttrKey = "ratelimit.limiter"

// PerConnection decorates handler with a separate token bucket per
// connection, lazily created the first time that connection invokes the
// wrapped command and cached on its attribute map for the rest of its
// lifetime — one noisy connection no longer starves every other caller of
// the same command the way Wrap's shared bucket would.
func PerConnection(handler dispatch.HandlerFunc, r float64, burst int) dispatch.HandlerFunc {
	return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		limiter := limiterFor(conn, r, burst)
		if !limiter.Allow() {
			return ErrRateLimited
		}
		return handler(ctx, req, conn, resp)
	}
}

func limiterFor(conn *connctx.ConnectionRecord, r float64, burst int) *rate.Limiter {
	if v, ok := conn.Attr(connAttrKey); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	conn.SetAttr(connAttrKey, limiter)
	return limiter
}
