package kcpgateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	kcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/streamframe"
)

// conn owns one accepted KCP session. As with tcpgateway.conn, there is
// exactly one reader and a send mutex serializing any number of writers.
type conn struct {
	id       string
	session  *kcp.UDPSession
	sendMu   sync.Mutex
	registry *dispatch.Registry
	connReg  *connreg.Registry
	log      *zap.Logger
	rec      *connctx.ConnectionRecord
	done     chan struct{}
}

func newConn(session *kcp.UDPSession, registry *dispatch.Registry, connReg *connreg.Registry, log *zap.Logger) *conn {
	id := uuid.NewString()
	c := &conn{
		id:       id,
		session:  session,
		registry: registry,
		connReg:  connReg,
		log:      log,
		done:     make(chan struct{}),
	}
	c.rec = connctx.NewConnectionRecord(id, connctx.KCP, c.send)
	return c
}

func (c *conn) send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return streamframe.Write(c.session, payload)
}

func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.session.Close()
	defer c.connReg.Unregister(connctx.KCP, c.id)

	c.connReg.Register(c.rec)

	go func() {
		<-ctx.Done()
		c.session.Close()
	}()

	for {
		body, err := streamframe.Read(c.session)
		if err != nil {
			c.log.Debug("kcpgateway: session closed", zap.String("connection_id", c.id), zap.Error(err))
			return
		}

		env, err := envelope.Decode(body)
		if err != nil {
			c.log.Warn("kcpgateway: malformed envelope, replying with parse error",
				zap.String("connection_id", c.id), zap.Error(err))
			c.sendParseError(err.Error())
			continue
		}

		go c.registry.Invoke(ctx, connctx.KCP, env, c.rec)
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
