package respond

import (
	"errors"
	"testing"

	"github.com/bx-d/rpcmux/connctx"
	"github.com/bx-d/rpcmux/connreg"
	"github.com/bx-d/rpcmux/envelope"
)

func TestResponderEchoesRequestID(t *testing.T) {
	var sent []byte
	conn := connctx.NewConnectionRecord("c1", connctx.TCP, func(p []byte) error {
		sent = p
		return nil
	})
	in := envelope.NewRequest("ping", "r1", nil)
	r := New(in, conn, nil)

	if err := r.SendAsync([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	out, err := envelope.Decode(sent)
	if err != nil {
		t.Fatal(err)
	}
	if out.RequestID != "r1" || out.Type != envelope.Response {
		t.Fatalf("unexpected envelope: %+v", out)
	}
}

func TestResponderAtMostOneTerminalReply(t *testing.T) {
	var calls int
	conn := connctx.NewConnectionRecord("c1", connctx.TCP, func(p []byte) error {
		calls++
		return nil
	})
	var noOpSeen bool
	in := envelope.NewRequest("ping", "r1", nil)
	r := New(in, conn, func(wasNoOp bool, reason string) {
		if wasNoOp {
			noOpSeen = true
		}
	})

	if err := r.SendAsync([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := r.SendErrorAsync("second attempt"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one send to the connection, got %d", calls)
	}
	if !noOpSeen {
		t.Fatal("expected the second send to be reported as a no-op")
	}
}

func TestResponderSendFailureWhenConnectionClosed(t *testing.T) {
	conn := connctx.NewConnectionRecord("c1", connctx.TCP, func(p []byte) error {
		return errors.New("broken pipe")
	})
	in := envelope.NewRequest("ping", "r1", nil)
	r := New(in, conn, nil)

	if err := r.SendAsync(nil); err == nil {
		t.Fatal("expected an error when the connection send fails")
	}
}

func TestBroadcasterUnknownConnectionFails(t *testing.T) {
	reg := connreg.New()
	b := NewBroadcaster("message.test", connctx.WebSocket, reg)
	if err := b.SendAsync("ghost", []byte("hello")); err == nil {
		t.Fatal("expected error for unknown connection id")
	}
}

func TestBroadcasterDeliversOnlyToNamedConnection(t *testing.T) {
	reg := connreg.New()
	var conn1Got, conn2Got []byte
	reg.Register(connctx.NewConnectionRecord("conn1", connctx.WebSocket, func(p []byte) error {
		conn1Got = p
		return nil
	}))
	reg.Register(connctx.NewConnectionRecord("conn2", connctx.WebSocket, func(p []byte) error {
		conn2Got = p
		return nil
	}))

	b := NewBroadcaster("message.test", connctx.WebSocket, reg)
	if err := b.SendAsync("conn1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if len(conn1Got) == 0 {
		t.Fatal("expected conn1 to receive the broadcast")
	}
	if len(conn2Got) != 0 {
		t.Fatal("expected conn2 to receive nothing")
	}
}
