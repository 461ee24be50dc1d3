package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/dispatch"
	"github.com/bx-d/rpcmux/envelope"
	"github.com/bx-d/rpcmux/respond"
)

func newTestConn(t *testing.T) (*connctx.ConnectionRecord, *[]byte) {
	t.Helper()
	var sent []byte
	var mu sync.Mutex
	rec := connctx.NewConnectionRecord("c1", connctx.TCP, func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = payload
		return nil
	})
	return rec, &sent
}

func newTestResponder(conn *connctx.ConnectionRecord) *respond.Responder {
	return respond.New(envelope.NewRequest("ping", "r1", nil), conn, func(bool, string) {})
}

func TestLoggingPassesThroughResultAndLogsError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	handler := Logging(log)(func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		return errors.New("boom")
	})

	conn, _ := newTestConn(t)
	err := handler(context.Background(), nil, conn, newTestResponder(conn))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected wrapped handler error to pass through, got %v", err)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one warning log entry, got %d", logs.Len())
	}
}

func TestTimeoutLetsFastHandlerThrough(t *testing.T) {
	handler := Timeout(time.Second)(func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		return nil
	})
	conn, _ := newTestConn(t)
	if err := handler(context.Background(), nil, conn, newTestResponder(conn)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutFiresOnSlowHandler(t *testing.T) {
	handler := Timeout(10 * time.Millisecond)(func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	conn, sent := newTestConn(t)
	if err := handler(context.Background(), nil, conn, newTestResponder(conn)); err != nil {
		t.Fatalf("timeout path sends the error reply itself, expected nil, got %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if len(*sent) == 0 {
		t.Fatal("expected a timeout error reply to be sent on the connection")
	}
}

func TestChainOrdersOuterToInner(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
			return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
				order = append(order, name+":before")
				err := next(ctx, req, conn, resp)
				order = append(order, name+":after")
				return err
			}
		}
	}

	chain := Chain(mark("A"), mark("B"))
	handler := chain(func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		order = append(order, "handler")
		return nil
	})

	conn, _ := newTestConn(t)
	if err := handler(context.Background(), nil, conn, newTestResponder(conn)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"A:before", "B:before", "handler", "B:after", "A:after"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}
