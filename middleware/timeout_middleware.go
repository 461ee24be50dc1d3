package middleware

import (
	"context"
	"time"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/respond"
)

// Timeout bounds how long a handler may run before the caller gives up
// waiting for it, the way the teacher's TimeOutMiddleware does for its own
// handler signature. The handler goroutine is not cancelled when the
// timeout fires — it keeps running in the background; a handler that wants
// true cancellation must check ctx.Done() itself. If the deadline passes
// before the handler calls the responder, Timeout sends the reply itself
// so the caller isn't left hanging.
func Timeout(d time.Duration) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, req, conn, resp)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return resp.SendErrorAsync("request timed out")
			}
		}
	}
}
