// Package respond implements the two objects a handler or application uses
// to talk back to a peer: Responder, bound to one inbound envelope, and
// Broadcaster, bound to a command id and addressed by connection id.
//
// Both are thin wrappers around envelope.Encode plus a ConnectionRecord's
// Send callback — the same "serialize, then hand bytes to the connection's
// write path" shape as the teacher's transport.ClientTransport.Send, just
// without the response-channel half of that method since the server side
// never itself waits for a reply.
package respond

import (
	"sync/atomic"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/rpcerr"
)

// Responder answers one inbound envelope. A handler may call it synchronously
// before returning, or stash it and call it later for server push correlated
// to the original request id — see spec.md §9's note on the two send paths.
//
// A Responder enforces "at most one terminal reply": a second SendAsync or
// SendErrorAsync after the first becomes a no-op (the caller still gets nil
// back since this is a logged condition, not a hard failure — matching
// spec.md §9's "safe interpretation" of a second send attempt).
type Responder struct {
	commandID string
	requestID string
	conn      *connctx.ConnectionRecord
	replied   atomic.Bool
	onReplied func(wasNoOp bool, reason string)
}

// New builds a Responder bound to the inbound envelope e on connection conn.
// onReplied, if non-nil, is invoked after every send attempt (used by
// dispatch.Registry.Invoke to log the double-reply warning spec.md §9 calls
// for).
func New(e *envelope.Envelope, conn *connctx.ConnectionRecord, onReplied func(wasNoOp bool, reason string)) *Responder {
	return &Responder{commandID: e.ID, requestID: e.RequestID, conn: conn, onReplied: onReplied}
}

// CommandID returns the command id of the envelope this Responder answers.
func (r *Responder) CommandID() string { return r.commandID }

// RequestID returns the request id of the envelope this Responder answers,
// possibly empty for fire-and-forget requests.
func (r *Responder) RequestID() string { return r.requestID }

// SendAsync emits a RESPONSE envelope echoing the request id, if any.
func (r *Responder) SendAsync(body []byte) error {
	return r.send(envelope.NewResponse(r.commandID, r.requestID, body))
}

// SendErrorAsync emits an ERROR envelope echoing the request id, if any.
func (r *Responder) SendErrorAsync(reason string) error {
	return r.send(envelope.NewError(r.commandID, r.requestID, reason))
}

func (r *Responder) send(e *envelope.Envelope) error {
	if !r.replied.CompareAndSwap(false, true) {
		if r.onReplied != nil {
			r.onReplied(true, e.Reason())
		}
		return nil
	}
	payload, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	err = r.conn.Send(payload)
	if r.onReplied != nil {
		r.onReplied(false, e.Reason())
	}
	if err != nil {
		return rpcerr.ErrConnectionClosed
	}
	return nil
}

// Broadcaster pushes RESPONSE/ERROR envelopes to a named connection without
// any correlation to an inbound request. It is command-scoped (bound at
// registration time to one command id and transport) and connection-
// addressed, the opposite axis from Responder which is envelope-scoped.
type Broadcaster struct {
	commandID string
	transport connctx.Transport
	registry  *connreg.Registry
}

// NewBroadcaster returns a Broadcaster for commandID on transport, resolving
// connections through registry at call time.
func NewBroadcaster(commandID string, transport connctx.Transport, registry *connreg.Registry) *Broadcaster {
	return &Broadcaster{commandID: commandID, transport: transport, registry: registry}
}

// SendAsync frames a RESPONSE envelope (no request id) and delivers it to
// connID. Fails with rpcerr.ErrUnknownConnection if connID is not live.
func (b *Broadcaster) SendAsync(connID string, body []byte) error {
	return b.send(connID, envelope.NewResponse(b.commandID, "", body))
}

// SendErrorAsync is SendAsync's ERROR counterpart.
func (b *Broadcaster) SendErrorAsync(connID string, reason string) error {
	return b.send(connID, envelope.NewError(b.commandID, "", reason))
}

func (b *Broadcaster) send(connID string, e *envelope.Envelope) error {
	payload, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	return b.registry.TrySend(b.transport, connID, payload)
}
