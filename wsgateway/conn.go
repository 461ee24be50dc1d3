package wsgateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/envelope"
)

// conn owns one upgraded WebSocket socket. gorilla/websocket requires a
// single reader and single writer per connection (concurrent writes must be
// externally serialized); sendMu plays the same role as tcpgateway's
// per-connection write mutex.
type conn struct {
	id       string
	ws       *websocket.Conn
	sendMu   sync.Mutex
	registry *dispatch.Registry
	connReg  *connreg.Registry
	log      *zap.Logger
	rec      *connctx.ConnectionRecord
	done     chan struct{}
}

func newConn(id string, ws *websocket.Conn, registry *dispatch.Registry, connReg *connreg.Registry, log *zap.Logger, keepAliveSeconds int) *conn {
	c := &conn{
		id:       id,
		ws:       ws,
		registry: registry,
		connReg:  connReg,
		log:      log,
		done:     make(chan struct{}),
	}
	c.rec = connctx.NewConnectionRecord(id, connctx.WebSocket, c.send)

	if keepAliveSeconds > 0 {
		ws.SetPongHandler(func(string) error { return nil })
		go c.pingLoop(time.Duration(keepAliveSeconds) * time.Second)
	}
	return c
}

func (c *conn) send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// run is the connection's single read worker (spec.md §4.5's OPEN/DISPATCH
// state machine). One binary message decodes to one Envelope; any other
// message type is a protocol violation that closes the socket.
func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.ws.Close()
	defer c.connReg.Unregister(connctx.WebSocket, c.id)

	c.connReg.Register(c.rec)

	go func() {
		<-ctx.Done()
		c.ws.Close()
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("wsgateway: connection closed", zap.String("connection_id", c.id), zap.Error(err))
			return
		}

		if msgType != websocket.BinaryMessage {
			c.log.Warn("wsgateway: non-binary frame, closing with InvalidMessageType",
				zap.String("connection_id", c.id), zap.Int("message_type", msgType))
			c.sendMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "InvalidMessageType"),
				time.Now().Add(time.Second))
			c.sendMu.Unlock()
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn("wsgateway: malformed envelope, replying with parse error",
				zap.String("connection_id", c.id), zap.Error(err))
			c.sendParseError(err.Error())
			continue
		}

		go c.registry.Invoke(ctx, connctx.WebSocket, env, c.rec)
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
