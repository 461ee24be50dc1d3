// Package wsgateway implements the WebSocket transport. It hooks into a
// host's net/http server the way spec.md §4.6 describes: the host mounts
// Gateway.Handler() at its configured path patterns, and the gateway
// extracts headers, query parameters, and an authenticated principal (via a
// pluggable security.PrincipalExtractor) before minting a connection.
//
// Framing and upgrade handling are delegated to gorilla/websocket, the
// library the pack's ethereum-go-ethereum module depends on for its own
// WebSocket RPC endpoint (see DESIGN.md) — this module does not hand-roll
// RFC 6455 framing.
package wsgateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/security"
)

// DefaultPattern is the WS transport's default mount path (spec.md §6).
const DefaultPattern = "/ws"

// Options configures the WebSocket gateway.
type Options struct {
	// Patterns lists the URL paths the host should serve this gateway's
	// handler under. Informational for Gateway itself — Handler() answers
	// any request it's given; the host's mux decides what reaches it.
	Patterns []string
	// BufferSize sizes gorilla's read/write buffers. 0 picks gorilla's own
	// default.
	BufferSize int
	// KeepAliveInterval, if non-zero, drives a periodic ping to detect
	// dead peers. Zero disables keepalive pings entirely.
	KeepAliveInterval int // seconds, matches spec.md §6's unit
}

// Gateway owns no listener of its own — the host's http.Server does — but
// owns the upgrade policy, connection minting, and worker lifecycle for
// every socket it upgrades.
type Gateway struct {
	opts      Options
	registry  *dispatch.Registry
	connReg   *connreg.Registry
	security  security.Options
	extractor security.PrincipalExtractor
	log       *zap.Logger
	upgrader  websocket.Upgrader

	connsMu sync.Mutex
	conns   map[string]*conn
}

// New creates a WebSocket gateway. extractor may be nil, meaning no
// connection is ever treated as authenticated.
func New(opts Options, registry *dispatch.Registry, connReg *connreg.Registry, sec security.Options, extractor security.PrincipalExtractor, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		opts:      opts,
		registry:  registry,
		connReg:   connReg,
		security:  sec,
		extractor: extractor,
		log:       log,
		conns:     make(map[string]*conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.BufferSize,
		WriteBufferSize: opts.BufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return g
}

// Handler returns the http.Handler the host mounts at each of opts.Patterns.
// On upgrade it extracts headers/query/principal, refuses with 401 when
// RequireAuthenticatedUser is set and no principal was found, and otherwise
// mints a connection id and spawns its worker.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := flattenHeader(r.Header)
		query := flattenQuery(r.URL.Query())

		var principal any
		var authenticated bool
		if g.security.EnableAuthentication && g.extractor != nil {
			principal, authenticated = g.extractor(headers, query)
		}

		if g.security.RequireAuthenticatedUser && !authenticated {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		wsConn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Debug("wsgateway: upgrade failed", zap.Error(err))
			return
		}

		id := uuid.NewString()
		c := newConn(id, wsConn, g.registry, g.connReg, g.log, g.opts.KeepAliveInterval)
		c.rec.Principal = principal
		c.rec.Headers = headers
		c.rec.Query = query

		g.trackConn(c)
		go func() {
			c.run(context.Background())
			g.untrackConn(id)
		}()
	})
}

func (g *Gateway) trackConn(c *conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	g.conns[c.id] = c
}

func (g *Gateway) untrackConn(id string) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	delete(g.conns, id)
}

// Shutdown closes every currently upgraded connection and waits (bounded by
// timeout) for their workers to observe the close and exit. The host is
// responsible for stopping its own http.Server separately — this gateway
// never owned the listener.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.connsMu.Lock()
	waiters := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		waiters = append(waiters, c)
		c.ws.Close()
	}
	g.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range waiters {
			<-c.done
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
