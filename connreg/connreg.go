// Package connreg tracks live connections by id, per transport, so a
// broadcaster can address a connection it did not itself accept.
//
// It is the multi-transport generalization of the teacher's
// transport.ClientTransport.pending sync.Map keyed-lookup pattern, applied
// to whole connections instead of in-flight requests: one fine-grained lock
// per transport protects that transport's id→record map, so broadcasts on
// WebSocket never contend with TCP accepts.
package connreg

import (
	"sync"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/rpcerr"
)

type shard struct {
	mu   sync.RWMutex
	byID map[string]*connctx.ConnectionRecord
}

// Registry is the process-wide connection table, one shard per transport.
type Registry struct {
	shards map[connctx.Transport]*shard
}

// New creates an empty registry with a shard for each of the three
// transports pre-allocated so callers never race on first-use map creation.
func New() *Registry {
	r := &Registry{shards: make(map[connctx.Transport]*shard, 3)}
	for _, t := range []connctx.Transport{connctx.WebSocket, connctx.TCP, connctx.KCP} {
		r.shards[t] = &shard{byID: make(map[string]*connctx.ConnectionRecord)}
	}
	return r
}

func (r *Registry) shardFor(transport connctx.Transport) *shard {
	s, ok := r.shards[transport]
	if !ok {
		// Unknown transport tag used directly against the registry — treat
		// it as its own shard rather than panicking, so tests and future
		// transports aren't forced to pre-register here.
		s = &shard{byID: make(map[string]*connctx.ConnectionRecord)}
		r.shards[transport] = s
	}
	return s
}

// Register adds a connection record to its transport's shard, keyed by
// connection id. Called by each gateway's connection worker on accept.
func (r *Registry) Register(rec *connctx.ConnectionRecord) {
	s := r.shardFor(rec.Transport)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = rec
}

// Unregister removes a connection record on socket close.
func (r *Registry) Unregister(transport connctx.Transport, connID string) {
	s := r.shardFor(transport)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, connID)
}

// Lookup returns the connection record for connID on transport, if any.
func (r *Registry) Lookup(transport connctx.Transport, connID string) (*connctx.ConnectionRecord, bool) {
	s := r.shardFor(transport)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[connID]
	return rec, ok
}

// TrySend writes payload to connID's socket on the given transport. It never
// blocks waiting for a reconnect: an unknown id fails immediately with
// ErrUnknownConnection.
func (r *Registry) TrySend(transport connctx.Transport, connID string, payload []byte) error {
	rec, ok := r.Lookup(transport, connID)
	if !ok {
		return rpcerr.ErrUnknownConnection
	}
	return rec.Send(payload)
}

// Snapshot returns a copy of the current connection ids for a transport,
// safe to iterate without holding the shard lock — used by fan-out
// broadcast helpers that want to address "everyone on this transport".
func (r *Registry) Snapshot(transport connctx.Transport) []string {
	s := r.shardFor(transport)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections on a transport.
func (r *Registry) Count(transport connctx.Transport) int {
	s := r.shardFor(transport)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
