package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/respond"
)

// Logging records the command id, connection id, transport, and duration of
// each handler invocation, and the error if the handler returned one. It
// wraps the handler rather than the registry so it composes with other
// middleware via Chain, the way the teacher's LoggingMiddleware wraps a
// single handler in the onion model.
func Logging(log *zap.Logger) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			start := time.Now()
			err := next(ctx, req, conn, resp)
			fields := []zap.Field{
				zap.String("command_id", resp.CommandID()),
				zap.String("connection_id", conn.ID),
				zap.String("transport", string(conn.Transport)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("middleware: handler returned error", append(fields, zap.Error(err))...)
			} else {
				log.Debug("middleware: handler completed", fields...)
			}
			return err
		}
	}
}
