// Package dispatch is the handler registry: it maps a (transport, command
// id) pair to a typed handler, the way the teacher's server/service.go maps
// "ServiceName.MethodName" to a reflected method — except this registry
// binds its decoder explicitly at Register time instead of discovering it
// via reflection on every inbound frame (see spec.md §9's design note on
// avoiding per-frame reflection).
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/respond"
)

// Decoder turns a raw envelope body into the application's request type.
type Decoder func(data []byte) (any, error)

// HandlerFunc is the typed handler signature: (context, decoded request,
// responder) → completion. Returning a non-nil error and never having
// called the responder causes the dispatch loop to send a
// "Handler error: <reason>" ERROR reply; returning nil without calling the
// responder produces no reply at all, which is a legal completion.
type HandlerFunc func(ctx context.Context, req any, conn *connctx.ConnectionRecord, responder *respond.Responder) error

type entry struct {
	decode  Decoder
	handler HandlerFunc
}

// Registry maps (transport, command id) to a registered entry. It is shared
// read-mostly across all gateways for the lifetime of the process. Register
// and Lookup both take the same mutex; lookups are not lock-free.
type Registry struct {
	mu          sync.Mutex
	log         *zap.Logger
	byTransport map[connctx.Transport]map[string]entry
}

// New creates an empty registry. Pass zap.NewNop() in tests that don't care
// about the overwrite warning.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:         log,
		byTransport: make(map[connctx.Transport]map[string]entry),
	}
}

// Register binds decode and handler to (transport, commandID). A second
// Register call for the same pair replaces the first; the registry warns on
// overwrite but never refuses it — "last registration wins" per spec.md §3.
func (r *Registry) Register(transport connctx.Transport, commandID string, decode Decoder, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byTransport[transport]
	if !ok {
		m = make(map[string]entry)
		r.byTransport[transport] = m
	}
	if _, exists := m[commandID]; exists {
		r.log.Warn("dispatch: overwriting handler registration",
			zap.String("transport", string(transport)),
			zap.String("command_id", commandID))
	}
	m[commandID] = entry{decode: decode, handler: handler}
}

// RegisterBoth is the convenience fan-out that registers the same decoder
// and handler on every transport this module knows about.
func (r *Registry) RegisterBoth(commandID string, decode Decoder, handler HandlerFunc) {
	for _, t := range []connctx.Transport{connctx.WebSocket, connctx.TCP, connctx.KCP} {
		r.Register(t, commandID, decode, handler)
	}
}

// Lookup finds the decoder and handler registered for (transport,
// commandID). ok is false if nothing is registered.
func (r *Registry) Lookup(transport connctx.Transport, commandID string) (decode Decoder, handler HandlerFunc, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byTransport[transport]
	if !ok {
		return nil, nil, false
	}
	e, ok := m[commandID]
	if !ok {
		return nil, nil, false
	}
	return e.decode, e.handler, true
}
