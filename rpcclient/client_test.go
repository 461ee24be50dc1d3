package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/respond"
	"github.com/bx-d/rpcmux/tcpgateway"
)

func startTCPGateway(t *testing.T, registry *dispatch.Registry) string {
	t.Helper()
	g := tcpgateway.New(tcpgateway.Options{Port: 0}, registry, connreg.New(), zap.NewNop())
	go func() {
		if err := g.Serve(); err != nil {
			t.Logf("Serve exited: %v", err)
		}
	}()
	addr := g.Addr().String()
	t.Cleanup(func() { _ = g.Shutdown(2 * time.Second) })
	return addr
}

func echoDecoder(data []byte) (any, error) { return data, nil }

func TestClientSendRequestAsyncRoundTrip(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	registry.Register(connctx.TCP, "ping", echoDecoder,
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			return resp.SendAsync([]byte("pong"))
		})
	addr := startTCPGateway(t, registry)

	c := New(Options{Kind: TCP, Target: addr})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := c.Register("ping", echoDecoder, func(ctx context.Context, req any) {})
	got, err := r.SendRequestAsync(context.Background(), []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
}

func TestClientSendRequestAsyncUnknownCommand(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	addr := startTCPGateway(t, registry)

	c := New(Options{Kind: TCP, Target: addr})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := c.Register("does.not.exist", echoDecoder, func(ctx context.Context, req any) {})
	_, err := r.SendRequestAsync(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error reply")
	}
}

func TestClientPushHandlerInvokedForFireAndForget(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	registry.Register(connctx.TCP, "notify", echoDecoder,
		func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
			return resp.SendAsync([]byte("ack"))
		})
	addr := startTCPGateway(t, registry)

	c := New(Options{Kind: TCP, Target: addr})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	received := make(chan string, 1)
	r := c.Register("notify", echoDecoder, func(ctx context.Context, req any) {
		received <- string(req.([]byte))
	})
	if err := r.SendAsync([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "ack" {
			t.Fatalf("got %q, want %q", got, "ack")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push handler")
	}
}

func TestClientDisconnectFailsPendingRequests(t *testing.T) {
	registry := dispatch.New(zap.NewNop())
	addr := startTCPGateway(t, registry)

	c := New(Options{Kind: TCP, Target: addr})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	requestID := "does-not-matter"
	waiter := make(pendingEntry, 1)
	c.pending.Store(requestID, waiter)

	c.failAllPending(errors.New("connection lost"))

	select {
	case env := <-waiter:
		if env.Type.String() != "ERROR" {
			t.Fatalf("expected an ERROR envelope, got %+v", env)
		}
	default:
		t.Fatal("expected the pending waiter to be resolved")
	}
	c.Close()
}

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retry); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}
