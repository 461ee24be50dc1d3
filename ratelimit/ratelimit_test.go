package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/respond"
)

func noopHandler(calls *int) func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
	return func(ctx context.Context, req any, conn *connctx.ConnectionRecord, resp *respond.Responder) error {
		*calls++
		return nil
	}
}

func newTestConn(id string) *connctx.ConnectionRecord {
	return connctx.NewConnectionRecord(id, connctx.TCP, func([]byte) error { return nil })
}

func TestWrapAllowsWithinBurstThenRejects(t *testing.T) {
	var calls int
	handler := Wrap(noopHandler(&calls), 0, 2)
	conn := newTestConn("c1")

	if err := handler(context.Background(), nil, conn, nil); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if err := handler(context.Background(), nil, conn, nil); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if err := handler(context.Background(), nil, conn, nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("call 3: got %v, want ErrRateLimited", err)
	}
	if calls != 2 {
		t.Fatalf("handler invoked %d times, want 2", calls)
	}
}

func TestPerConnectionIsolatesBuckets(t *testing.T) {
	var calls int
	handler := PerConnection(noopHandler(&calls), 0, 1)

	a := newTestConn("a")
	b := newTestConn("b")

	if err := handler(context.Background(), nil, a, nil); err != nil {
		t.Fatalf("conn a first call: %v", err)
	}
	if err := handler(context.Background(), nil, a, nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("conn a second call: got %v, want ErrRateLimited", err)
	}
	// A fresh connection has its own bucket, unaffected by a's exhaustion.
	if err := handler(context.Background(), nil, b, nil); err != nil {
		t.Fatalf("conn b first call: %v", err)
	}
}
