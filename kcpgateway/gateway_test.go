package kcpgateway

import (
	"context"
	"testing"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/respond"
	"github.com/bx-d/rpcmux/streamframe"
)

func startGateway(t *testing.T, registry *dispatch.Registry) (*Gateway, string) {
	t.Helper()
	g := New(Options{Port: 0}, registry, connreg.New(), zap.NewNop())
	go func() {
		if err := g.Serve(); err != nil {
			t.Logf("Serve exited: %v", err)
		}
	}()
	addr := g.Addr()
	t.Cleanup(func() { _ = g.Shutdown(2 * time.Second) })
	return g, addr
}

func TestKCPPingRoundTrip(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	registry.Register(connctx.KCP, "ping", func(data []byte) (any, error) { return data, nil },
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			return resp.SendAsync([]byte("Pong: hi"))
		})
	_, addr := startGateway(t, registry)

	session, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	session.SetNoDelay(1, tickIntervalMillis, 2, 1)

	body, err := envelope.Encode(envelope.NewRequest("ping", "r1", []byte(`{"message":"hi"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if err := streamframe.Write(session, body); err != nil {
		t.Fatal(err)
	}
	session.SetReadDeadline(time.Now().Add(3 * time.Second))
	respBody, err := streamframe.Read(session)
	if err != nil {
		t.Fatal(err)
	}
	got, err := envelope.Decode(respBody)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != envelope.Response || got.RequestID != "r1" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestKCPUnknownCommand(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	_, addr := startGateway(t, registry)

	session, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	session.SetNoDelay(1, tickIntervalMillis, 2, 1)

	body, _ := envelope.Encode(envelope.NewRequest("does.not.exist", "r1", nil))
	if err := streamframe.Write(session, body); err != nil {
		t.Fatal(err)
	}
	session.SetReadDeadline(time.Now().Add(3 * time.Second))
	respBody, err := streamframe.Read(session)
	if err != nil {
		t.Fatal(err)
	}
	got, err := envelope.Decode(respBody)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != envelope.Error || got.Reason() != "Command 'does.not.exist' not supported" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}
