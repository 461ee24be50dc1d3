package rpcclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/rpcerr"
)

// State is a node in the connect state machine spec.md §4.7 diagrams:
// DISCONNECTED -> CONNECTING -> CONNECTED, with RECONNECTING entered from
// CONNECTED on socket loss when auto-reconnect is enabled.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decoder turns a raw envelope body into the application type a HandlerFunc
// expects, mirroring dispatch.Decoder on the server side.
type Decoder func([]byte) (any, error)

// HandlerFunc receives an unsolicited server push (or a fire-and-forget
// reply routed back through the same command id). It always runs on its own
// background worker, never on the client's single receive-loop goroutine.
type HandlerFunc func(ctx context.Context, req any)

type handlerEntry struct {
	decode Decoder
	handle HandlerFunc
}

const (
	connectTimeout = 10 * time.Second
	requestTimeout = 20 * time.Second
	maxBackoffSecs = 60
)

// Options configures a Client.
type Options struct {
	Kind Kind
	// Target is a ws(s):// URL for Kind == WebSocket, or a host:port for TCP
	// and KCP.
	Target string
	// AutoReconnect enables the reconnect-with-backoff driver on abnormal
	// receive-loop exit.
	AutoReconnect bool
	// MaxRetries bounds reconnect attempts; 0 means unlimited.
	MaxRetries int
	Logger     *zap.Logger
}

// Client is the symmetric counterpart to the server's per-connection worker:
// one active transport connection, a handler registry, a pending-request
// table, and a send mutex, generalized across all three wire transports
// (spec.md §4.7). Requesters obtained from Register hold a reference to the
// Client itself, never to a particular conn, so they keep working across a
// reconnect.
type Client struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	state State
	conn  wireConn
	gen   uint64 // bumped each successful connect, identifies the live conn

	sendMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]*handlerEntry

	pending sync.Map // map[string]pendingEntry

	reconnectMu sync.Mutex
	cancel      context.CancelFunc

	callbackMu   sync.Mutex
	onConnect    []func()
	onDisconnect []func()

	closed atomic.Bool
}

type pendingEntry chan *envelope.Envelope

// New constructs a Client. It does not dial until Connect is called.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:     opts,
		log:      log,
		state:    Disconnected,
		handlers: make(map[string]*handlerEntry),
	}
}

// OnConnect registers a callback invoked on every transition into CONNECTED,
// including ones triggered by reconnect. Callbacks take no argument; an
// application that needs per-connection state keeps it elsewhere.
func (c *Client) OnConnect(fn func()) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a callback invoked on every transition out of
// CONNECTED.
func (c *Client) OnDisconnect(fn func()) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *Client) fireConnect() {
	c.callbackMu.Lock()
	fns := append([]func(){}, c.onConnect...)
	c.callbackMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) fireDisconnect() {
	c.callbackMu.Lock()
	fns := append([]func(){}, c.onDisconnect...)
	c.callbackMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// State returns the client's current connect-state-machine node.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Register binds a command id to a decoder and handler for unsolicited
// server pushes (and for fire-and-forget replies, per spec.md §4.7's send
// mode 1), returning a Requester for sending on that same command id. The
// Requester re-resolves the live connection on every send rather than
// capturing one at registration time, so handlers registered once keep
// working transparently across a reconnect.
func (c *Client) Register(id string, decode Decoder, handle HandlerFunc) *Requester {
	c.handlersMu.Lock()
	c.handlers[id] = &handlerEntry{decode: decode, handle: handle}
	c.handlersMu.Unlock()
	return &Requester{id: id, client: c}
}

// Broadcaster returns a send-only handle for a command id used purely in
// spec.md §4.7's broadcast send mode: a REQUEST envelope with no correlation
// and no local reply expectation.
func (c *Client) Broadcaster(id string) *Broadcaster {
	return &Broadcaster{id: id, client: c}
}

// Connect dials the configured transport and starts the receive loop. It
// blocks until the dial completes or connectTimeout elapses.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(Connecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()

	conn, err := dial(dialCtx, c.opts.Kind, c.opts.Target)
	if err != nil {
		c.setState(Disconnected)
		if dialCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("rpcclient: connect: %w: %w", rpcerr.ErrTimeout, err)
		}
		return fmt.Errorf("rpcclient: connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = Connected
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, conn, gen)
	c.fireConnect()
	return nil
}

// Close marks the client closed, cancels the receive loop, and closes the
// underlying socket. A closed Client never auto-reconnects.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

func (c *Client) receiveLoop(ctx context.Context, conn wireConn, gen uint64) {
	for {
		payload, err := conn.recv()
		if err != nil {
			c.log.Debug("rpcclient: receive loop ending", zap.Error(err))
			break
		}
		env, err := envelope.Decode(payload)
		if err != nil {
			c.log.Warn("rpcclient: malformed envelope from server", zap.Error(err))
			continue
		}
		go c.dispatch(env)
	}
	c.handleDisconnect(conn, gen)
}

func (c *Client) dispatch(env *envelope.Envelope) {
	if env.RequestID != "" {
		if v, ok := c.pending.LoadAndDelete(env.RequestID); ok {
			v.(pendingEntry) <- env
			return
		}
	}

	c.handlersMu.RLock()
	entry, ok := c.handlers[env.ID]
	c.handlersMu.RUnlock()
	if !ok {
		c.log.Debug("rpcclient: dropping push for unregistered command", zap.String("command_id", env.ID))
		return
	}

	req, err := entry.decode(env.Data)
	if err != nil {
		c.log.Warn("rpcclient: decode error for server push",
			zap.String("command_id", env.ID), zap.Error(err))
		return
	}
	entry.handle(context.Background(), req)
}

// handleDisconnect runs once the receive loop has exited. gen identifies
// which connect generation this loop belonged to, so a loop for a
// since-replaced connection (the reconnect driver already dialed a new one)
// does not clobber state or double-fire callbacks.
func (c *Client) handleDisconnect(conn wireConn, gen uint64) {
	conn.close()

	c.mu.Lock()
	current := c.gen == gen
	if current {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if !current {
		return
	}

	c.failAllPending(rpcerr.ErrConnectionLost)
	c.fireDisconnect()

	if c.opts.AutoReconnect && !c.closed.Load() {
		go c.reconnectLoop()
	}
}

func (c *Client) failAllPending(err error) {
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		value.(pendingEntry) <- envelope.NewError("", key.(string), err.Error())
		return true
	})
}

// reconnectLoop is the driver spec.md §4.7 describes: retry counter starts
// at 1, delay is min(2^(retry-1), 60) seconds, maxRetries == 0 means
// infinite. The reconnect lock (reconnectMu) is held for the whole drive so
// a second disconnect observed mid-reconnect cannot start a competing
// driver.
func (c *Client) reconnectLoop() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.setState(Reconnecting)
	retry := 1
	for {
		if c.closed.Load() {
			return
		}
		delay := backoffDelay(retry)
		c.log.Info("rpcclient: reconnecting", zap.Int("attempt", retry), zap.Duration("delay", delay))
		time.Sleep(delay)

		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn("rpcclient: reconnect attempt failed", zap.Int("attempt", retry), zap.Error(err))
			retry++
			if c.opts.MaxRetries != 0 && retry > c.opts.MaxRetries {
				c.log.Warn("rpcclient: giving up reconnecting", zap.Int("attempts", retry-1))
				c.setState(Disconnected)
				return
			}
			continue
		}
		return
	}
}

func backoffDelay(retry int) time.Duration {
	secs := 1 << (retry - 1)
	if secs > maxBackoffSecs {
		secs = maxBackoffSecs
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) send(env *envelope.Envelope) error {
	if c.closed.Load() {
		return rpcerr.ErrClosed
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return rpcerr.ErrNotConnected
	}

	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("rpcclient: encode: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.send(payload)
}

// sendRequest implements spec.md §4.7's correlated send mode: mint a
// request id, register a one-shot waiter, write the envelope, and await the
// waiter with a 20-second timeout (or ctx, whichever fires first). A reply
// of type ERROR is translated into an error carrying its reason string.
func (c *Client) sendRequest(ctx context.Context, id string, data []byte) ([]byte, error) {
	requestID := uuid.NewString()
	waiter := make(pendingEntry, 1)
	c.pending.Store(requestID, waiter)

	if err := c.send(envelope.NewRequest(id, requestID, data)); err != nil {
		c.pending.Delete(requestID)
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case env := <-waiter:
		if env.Type == envelope.Error {
			return nil, fmt.Errorf("rpcclient: %s", env.Reason())
		}
		return env.Data, nil
	case <-timeoutCtx.Done():
		c.pending.Delete(requestID)
		return nil, fmt.Errorf("rpcclient: request %q: %w", id, rpcerr.ErrTimeout)
	}
}
