package tcpgateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
)

// Options configures the TCP gateway (spec.md §6).
type Options struct {
	// Port is the port to listen on across all interfaces. Defaults to
	// DefaultPort (5003) when assembled via rpcconfig; Port: 0 lets the OS
	// pick, for tests.
	Port int
	// BufferSize is carried through from configuration but the gateway does
	// not read it: each frame body is read into a buffer sized to that
	// frame's declared length.
	BufferSize int
	// MaxConnections caps concurrently accepted connections; 0 = unlimited.
	MaxConnections int
}

// DefaultPort is the TCP stream transport's default listen port (spec.md
// §6). Port: 0 is a legal Options value on its own — it means "let the OS
// assign an ephemeral port", useful in tests — so the default is applied by
// rpcconfig when assembling Options for production use, not here.
const DefaultPort = 5003

// Gateway owns the TCP listener and the lifecycle of every connection it
// accepts, generalizing the teacher's Server.Serve accept loop (one
// goroutine per connection, wg-tracked for graceful shutdown) from a single
// RPC protocol to the shared envelope dispatch path.
type Gateway struct {
	opts     Options
	registry *dispatch.Registry
	connReg  *connreg.Registry
	log      *zap.Logger

	listener net.Listener
	shutdown atomic.Bool

	connsMu sync.Mutex
	conns   map[string]*conn

	cancel context.CancelFunc
	ready  chan struct{}
}

// New creates a TCP gateway bound to the shared dispatch registry and
// connection registry. It does not listen until Serve is called.
func New(opts Options, registry *dispatch.Registry, connReg *connreg.Registry, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		opts:     opts,
		registry: registry,
		connReg:  connReg,
		log:      log,
		conns:    make(map[string]*conn),
		ready:    make(chan struct{}),
	}
}

// Addr blocks until Serve has bound its listener, then returns its address.
// Intended for tests that bind Port: 0 and need the OS-assigned port.
func (g *Gateway) Addr() net.Addr {
	<-g.ready
	return g.listener.Addr()
}

// Serve binds the wildcard address at the configured port and accepts
// connections until Shutdown is called or the listener fails. Each accepted
// socket spawns an isolated worker tracked in an active-connections map so
// Shutdown can await their completion.
func (g *Gateway) Serve() error {
	addr := fmt.Sprintf("0.0.0.0:%d", g.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpgateway: listen %s: %w", addr, err)
	}
	g.listener = listener
	close(g.ready)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.log.Info("tcpgateway: listening", zap.String("addr", addr))

	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			if g.shutdown.Load() {
				return nil
			}
			return err
		}

		if g.opts.MaxConnections > 0 && g.activeCount() >= g.opts.MaxConnections {
			g.log.Warn("tcpgateway: rejecting connection, at capacity",
				zap.Int("max_connections", g.opts.MaxConnections))
			netConn.Close()
			continue
		}

		c := newConn(netConn, g.registry, g.connReg, g.log)
		g.trackConn(c)
		go func() {
			c.run(ctx)
			g.untrackConn(c.id)
		}()
	}
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

func (g *Gateway) activeCount() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return len(g.conns)
}

// Shutdown stops accepting, cancels every connection worker, and waits
// (bounded by timeout) for them to finish closing their sockets before
// returning — the common gateway shutdown contract from spec.md §4.6/§5.
// Stragglers still running past timeout are reported in the returned error,
// not killed.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.shutdown.Store(true)
	if g.listener != nil {
		g.listener.Close()
	}
	if g.cancel != nil {
		g.cancel()
	}

	g.connsMu.Lock()
	waiters := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		waiters = append(waiters, c)
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
		var merr *multierror.Error
		merr = multierror.Append(merr, fmt.Errorf("tcpgateway: %d connection workers did not finish within %s", g.activeCount(), timeout))
		return merr.ErrorOrNil()
	}
}
