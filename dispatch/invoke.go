package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/respond"
	"github.com/bx-d/rpcmux/rpcerr"
)

// Invoke is the single dispatch path shared by all three transport
// connection loops (spec.md §4.5/§4.6): look up the handler, decode the
// body, run it with a fresh Responder, and translate panics/errors into the
// exact ERROR reasons spec.md §7/§8 specify. It never panics outward — a
// handler panic is recovered and turned into a "Handler error: <reason>"
// reply, matching "Handler throws: reply ERROR(...), keep connection".
func (r *Registry) Invoke(ctx context.Context, transport connctx.Transport, in *envelope.Envelope, conn *connctx.ConnectionRecord) {
	decode, handler, ok := r.Lookup(transport, in.ID)
	if !ok {
		r.replyError(in, conn, rpcerr.CommandNotSupported(in.ID))
		return
	}

	req, err := decode(in.Data)
	if err != nil {
		r.replyError(in, conn, rpcerr.HandlerError(err.Error()))
		return
	}

	responder := respond.New(in, conn, func(wasNoOp bool, reason string) {
		if wasNoOp {
			r.log.Warn("dispatch: handler attempted a second terminal reply, ignored",
				zap.String("command_id", in.ID), zap.String("request_id", in.RequestID))
		}
	})

	if err := r.runHandler(ctx, handler, req, conn, responder); err != nil {
		_ = responder.SendErrorAsync(rpcerr.HandlerError(err.Error()))
	}
}

func (r *Registry) runHandler(ctx context.Context, handler HandlerFunc, req any, conn *connctx.ConnectionRecord, responder *respond.Responder) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	return handler(ctx, req, conn, responder)
}

func (r *Registry) replyError(in *envelope.Envelope, conn *connctx.ConnectionRecord, reason string) {
	out := envelope.NewError(in.ID, in.RequestID, reason)
	payload, err := envelope.Encode(out)
	if err != nil {
		r.log.Error("dispatch: failed to encode error reply", zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		r.log.Debug("dispatch: failed to send error reply, connection likely closed",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}
}
