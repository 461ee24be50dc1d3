package tcpgateway

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/streamframe"
)

// conn owns one accepted TCP socket: it reads frames sequentially (TCP is a
// stream, a single reader is required to parse frame boundaries) and
// dispatches each decoded envelope to its own goroutine so a slow handler
// never stalls the read path, matching spec.md §4.5's concurrency rule.
type conn struct {
	id       string
	netConn  net.Conn
	sendMu   sync.Mutex
	registry *dispatch.Registry
	connReg  *connreg.Registry
	log      *zap.Logger
	rec      *connctx.ConnectionRecord
	done     chan struct{}
}

func newConn(netConn net.Conn, registry *dispatch.Registry, connReg *connreg.Registry, log *zap.Logger) *conn {
	id := uuid.NewString()
	c := &conn{
		id:       id,
		netConn:  netConn,
		registry: registry,
		connReg:  connReg,
		log:      log,
		done:     make(chan struct{}),
	}
	c.rec = connctx.NewConnectionRecord(id, connctx.TCP, c.send)
	return c
}

// send serializes an outbound envelope's bytes through the per-connection
// write mutex so concurrent responders/broadcasters never interleave
// frames on the wire (spec.md §4.5/§5).
func (c *conn) send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return streamframe.Write(c.netConn, payload)
}

// run is the connection's single read worker. It returns when the socket
// closes, errors, or ctx is cancelled (graceful gateway shutdown).
func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.netConn.Close()
	defer c.connReg.Unregister(connctx.TCP, c.id)

	c.connReg.Register(c.rec)

	go func() {
		<-ctx.Done()
		c.netConn.Close()
	}()

	for {
		body, err := streamframe.Read(c.netConn)
		if err != nil {
			c.log.Debug("tcpgateway: connection closed", zap.String("connection_id", c.id), zap.Error(err))
			return
		}

		env, err := envelope.Decode(body)
		if err != nil {
			c.log.Warn("tcpgateway: malformed envelope, replying with parse error",
				zap.String("connection_id", c.id), zap.Error(err))
			c.sendParseError(err.Error())
			continue
		}

		// Dispatch off the read path: one slow handler must not stall
		// framing-level reads for subsequent requests on this connection.
		go c.registry.Invoke(ctx, connctx.TCP, env, c.rec)
	}
}

func (c *conn) sendParseError(reason string) {
	out := envelope.NewError(envelope.ParseErrorID, "", reason)
	payload, err := envelope.Encode(out)
	if err != nil {
		return
	}
	_ = c.send(payload)
}
