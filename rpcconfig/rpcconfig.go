// Package rpcconfig is the host-wiring layer spec.md §6 describes: "the
// core exposes no CLI; it integrates into a host process that provides
// configuration and a dependency-injection container." A Host is that
// container. It owns the shared dispatch registry and connection registry,
// and exposes AddServerAPIWebSocket/AddServerAPITcpStream/AddServerAPIKcp —
// the three registration helpers a host invokes to mount each transport,
// matching the literal addServerApi{WebSocket,TcpStream,Kcp} contract.
//
// Functional options here follow the same shape the teacher's server.Server
// gives its Option type, generalized from one knob (middleware) to the full
// configuration surface spec.md §6 enumerates.
package rpcconfig

import (
	"net/http"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/kcpgateway"
	"github.com/bx-d/rpcmux/security"
	"github.com/bx-d/rpcmux/tcpgateway"
	"github.com/bx-d/rpcmux/wsgateway"
)

// WebSocketConfig mirrors spec.md §6's webSocket.* options.
type WebSocketConfig struct {
	Patterns          []string
	BufferSize        int
	KeepAliveInterval int // seconds, 0 disables
}

// TCPConfig mirrors spec.md §6's tcpStream.* options.
type TCPConfig struct {
	Port           int
	BufferSize     int
	MaxConnections int // 0 = unlimited
}

// KCPConfig mirrors spec.md §6's kcp.* option.
type KCPConfig struct {
	Port int
}

// Config collects every host-supplied setting. Zero value plus defaulting in
// New yields spec.md §6's documented defaults.
type Config struct {
	Security           security.Options
	PrincipalExtractor security.PrincipalExtractor
	WebSocket          WebSocketConfig
	TCPStream          TCPConfig
	KCP                KCPConfig
	Logger             *zap.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithSecurity sets the authentication policy and the principal extractor
// the WebSocket gateway uses during upgrade.
func WithSecurity(opts security.Options, extractor security.PrincipalExtractor) Option {
	return func(c *Config) {
		c.Security = opts
		c.PrincipalExtractor = extractor
	}
}

// WithWebSocket overrides the WebSocket transport's configuration.
func WithWebSocket(cfg WebSocketConfig) Option {
	return func(c *Config) { c.WebSocket = cfg }
}

// WithTCPStream overrides the TCP stream transport's configuration.
func WithTCPStream(cfg TCPConfig) Option {
	return func(c *Config) { c.TCPStream = cfg }
}

// WithKCP overrides the KCP transport's configuration.
func WithKCP(cfg KCPConfig) Option {
	return func(c *Config) { c.KCP = cfg }
}

// WithLogger sets the zap.Logger every wired gateway shares.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// New assembles a Config from spec.md §6's documented defaults plus any
// Options applied on top.
func New(opts ...Option) *Config {
	cfg := &Config{
		WebSocket: WebSocketConfig{Patterns: []string{wsgateway.DefaultPattern}},
		TCPStream: TCPConfig{Port: tcpgateway.DefaultPort},
		KCP:       KCPConfig{Port: kcpgateway.DefaultPort},
		Logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Host is the dependency-injection container a production process builds
// once at startup. It owns the registries every transport shares and the
// three gateways it wires in on demand.
type Host struct {
	cfg      *Config
	registry *dispatch.Registry
	connReg  *connreg.Registry

	ws  *wsgateway.Gateway
	tcp *tcpgateway.Gateway
	kcp *kcpgateway.Gateway
}

// NewHost constructs a Host with a fresh dispatch registry and connection
// registry shared by every transport it later wires in.
func NewHost(cfg *Config) *Host {
	return &Host{
		cfg:      cfg,
		registry: dispatch.New(cfg.Logger),
		connReg:  connreg.New(),
	}
}

// Registry exposes the shared handler registry so application code can call
// Register/RegisterBoth before or after wiring transports.
func (h *Host) Registry() *dispatch.Registry { return h.registry }

// Connections exposes the shared connection registry for broadcast.
func (h *Host) Connections() *connreg.Registry { return h.connReg }

// AddServerAPIWebSocket wires the WebSocket gateway and returns the
// http.Handler the host mounts at each of its configured patterns. It does
// not own an http.Server; the host's own HTTP pipeline does.
func (h *Host) AddServerAPIWebSocket() http.Handler {
	h.ws = wsgateway.New(wsgateway.Options{
		Patterns:          h.cfg.WebSocket.Patterns,
		BufferSize:        h.cfg.WebSocket.BufferSize,
		KeepAliveInterval: h.cfg.WebSocket.KeepAliveInterval,
	}, h.registry, h.connReg, h.cfg.Security, h.cfg.PrincipalExtractor, h.cfg.Logger)
	return h.ws.Handler()
}

// AddServerAPITcpStream wires the TCP gateway and starts its accept loop on
// a background goroutine, returning the gateway so the host can call Addr
// or Shutdown directly if it needs to.
func (h *Host) AddServerAPITcpStream() *tcpgateway.Gateway {
	if h.cfg.Security.RequireAuthenticatedUser {
		h.cfg.Logger.Warn("rpcconfig: security.requireAuthenticatedUser has no effect on the TCP stream transport; it has no handshake to refuse")
	}
	h.tcp = tcpgateway.New(tcpgateway.Options{
		Port:           h.cfg.TCPStream.Port,
		BufferSize:     h.cfg.TCPStream.BufferSize,
		MaxConnections: h.cfg.TCPStream.MaxConnections,
	}, h.registry, h.connReg, h.cfg.Logger)
	go func() {
		if err := h.tcp.Serve(); err != nil {
			h.cfg.Logger.Error("rpcconfig: tcp gateway stopped", zap.Error(err))
		}
	}()
	return h.tcp
}

// AddServerAPIKcp wires the KCP gateway and starts its accept loop on a
// background goroutine.
func (h *Host) AddServerAPIKcp() *kcpgateway.Gateway {
	if h.cfg.Security.RequireAuthenticatedUser {
		h.cfg.Logger.Warn("rpcconfig: security.requireAuthenticatedUser has no effect on the KCP transport; it has no handshake to refuse")
	}
	h.kcp = kcpgateway.New(kcpgateway.Options{Port: h.cfg.KCP.Port}, h.registry, h.connReg, h.cfg.Logger)
	go func() {
		if err := h.kcp.Serve(); err != nil {
			h.cfg.Logger.Error("rpcconfig: kcp gateway stopped", zap.Error(err))
		}
	}()
	return h.kcp
}

// Shutdown gracefully stops every transport that was wired in. Failures from
// individual transports are collected, not short-circuited, so one slow
// gateway does not prevent the others from being asked to stop.
func (h *Host) Shutdown(timeout time.Duration) error {
	var merr *multierror.Error
	if h.ws != nil {
		if err := h.ws.Shutdown(timeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if h.tcp != nil {
		if err := h.tcp.Shutdown(timeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if h.kcp != nil {
		if err := h.kcp.Shutdown(timeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
