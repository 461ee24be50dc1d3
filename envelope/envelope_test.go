package envelope

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Envelope{
		NewRequest("ping", "r1", []byte(`{"message":"hi"}`)),
		NewResponse("ping", "r1", []byte(`{"message":"Pong: hi"}`)),
		NewError("boom", "r2", "kaboom"),
		NewRequest("broadcast.test", "", []byte("fire and forget")),
		{ID: "empty.data", RequestID: "", Type: Request, Data: nil},
	}

	for _, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.ID != want.ID || got.RequestID != want.RequestID || got.Type != want.Type {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Data, want.Data) && !(len(got.Data) == 0 && len(want.Data) == 0) {
			t.Fatalf("data mismatch: got %q, want %q", got.Data, want.Data)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	full, err := Encode(NewRequest("ping", "r1", []byte("hello")))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(full); i++ {
		if _, err := Decode(full[:i]); err == nil {
			t.Fatalf("Decode(truncated to %d bytes) should have failed", i)
		}
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	e := &Envelope{ID: "", Type: Request}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	e := &Envelope{ID: "x", Type: Type(99)}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestReason(t *testing.T) {
	e := NewError("boom", "r2", "kaboom")
	if e.Reason() != "kaboom" {
		t.Fatalf("Reason() = %q, want %q", e.Reason(), "kaboom")
	}
}

func TestRegisterIdempotenceLaw(t *testing.T) {
	// Two encodes of an equal envelope produce the same bytes — not part of
	// envelope's own API surface, but documents the determinism the dispatch
	// registry idempotence test (dispatch package) relies on for replies.
	a, err := Encode(NewResponse("x", "r1", []byte("y")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(NewResponse("x", "r1", []byte("y")))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("Encode is not deterministic for equal envelopes")
	}
}
