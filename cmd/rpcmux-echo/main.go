// Command rpcmux-echo is the host process spec.md §6 describes: it owns
// configuration and wires every transport through rpcconfig, the way the
// teacher's own cmd-less design leaves process assembly to whoever embeds
// server.Server. It implements spec.md §8's end-to-end scenarios 1-3 and 6
// directly (ping, unknown command, handler throws, TCP framing violation
// are exercised by any client that connects) and scenario 4 (broadcast
// fan-out) via the broadcast.test command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/respond"
	"github.com/bx-d/rpcmux/rpcconfig"
	"github.com/bx-d/rpcmux/security"
)

type pingRequest struct {
	Message string `json:"message"`
}

type pingResponse struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type broadcastRequest struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

func decodeJSON[T any]() func([]byte) (any, error) {
	return func(data []byte) (any, error) {
		var v T
		if len(data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return v, nil
	}
}

func main() {
	wsAddr := flag.String("ws-addr", ":5000", "address the host's HTTP server listens on for WebSocket upgrades")
	tcpPort := flag.Int("tcp-port", 5003, "TCP stream transport port")
	kcpPort := flag.Int("kcp-port", 5004, "KCP transport port")
	requireAuth := flag.Bool("require-auth", false, "refuse WebSocket upgrades without an authenticated principal")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rpcmux-echo: failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := rpcconfig.New(
		rpcconfig.WithLogger(log),
		rpcconfig.WithTCPStream(rpcconfig.TCPConfig{Port: *tcpPort}),
		rpcconfig.WithKCP(rpcconfig.KCPConfig{Port: *kcpPort}),
		rpcconfig.WithSecurity(
			security.Options{EnableAuthentication: true, RequireAuthenticatedUser: *requireAuth},
			bearerTokenExtractor,
		),
	)
	host := rpcconfig.NewHost(cfg)
	registerHandlers(host)

	wsHandler := host.AddServerAPIWebSocket()
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	httpServer := &http.Server{Addr: *wsAddr, Handler: mux}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("rpcmux-echo: http server stopped", zap.Error(err))
		}
	}()

	tcpGateway := host.AddServerAPITcpStream()
	kcpGateway := host.AddServerAPIKcp()

	log.Info("rpcmux-echo: listening",
		zap.String("ws_addr", *wsAddr),
		zap.String("tcp_addr", tcpGateway.Addr().String()),
		zap.String("kcp_addr", kcpGateway.Addr()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("rpcmux-echo: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := host.Shutdown(5 * time.Second); err != nil {
		log.Warn("rpcmux-echo: shutdown reported stragglers", zap.Error(err))
	}
}

func registerHandlers(host *rpcconfig.Host) {
	registry := host.Registry()

	registry.RegisterBoth("ping", decodeJSON[pingRequest](),
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			in := req.(pingRequest)
			out, err := json.Marshal(pingResponse{
				Message:   "Pong: " + in.Message,
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				return err
			}
			return resp.SendAsync(out)
		})

	registry.RegisterBoth("boom", decodeJSON[pingRequest](),
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			return errors.New("kaboom")
		})

	registry.Register(connctx.WebSocket, "broadcast.test", decodeJSON[broadcastRequest](),
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			in := req.(broadcastRequest)
			broadcaster := respond.NewBroadcaster("message.test", connctx.WebSocket, host.Connections())
			return broadcaster.SendAsync(in.ConnectionID, []byte(in.Message))
		})
}

// bearerTokenExtractor treats any non-empty Authorization header as an
// authenticated principal; a real host would validate the token against its
// own identity provider instead.
func bearerTokenExtractor(headers, query map[string]string) (principal any, authenticated bool) {
	token := headers["Authorization"]
	if token == "" {
		return nil, false
	}
	return token, true
}
