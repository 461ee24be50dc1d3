package rpcclient

import (
	"context"

	"github.com/bx-d/rpcmux/envelope"
)

// Requester is bound to one command id and survives reconnection: it only
// ever holds a reference to the owning Client, never to a particular
// connection, matching spec.md §4.7's "register handlers once, reconnect
// transparently" invariant.
type Requester struct {
	id     string
	client *Client
}

// SendAsync writes a fire-and-forget REQUEST envelope (spec.md §4.7 send
// mode 1). Any reply arrives through the handler registered for this same
// command id, not through this call.
func (r *Requester) SendAsync(data []byte) error {
	return r.client.send(envelope.NewRequest(r.id, "", data))
}

// SendRequestAsync mints a request id, writes the envelope, and blocks until
// a correlated reply arrives, ctx is cancelled, or the 20-second request
// timeout elapses (spec.md §4.7 send mode 2).
func (r *Requester) SendRequestAsync(ctx context.Context, data []byte) ([]byte, error) {
	return r.client.sendRequest(ctx, r.id, data)
}

// Broadcaster is the client-side handle for spec.md §4.7's broadcast send
// mode: a REQUEST envelope with no correlation and no local reply
// expectation.
type Broadcaster struct {
	id     string
	client *Client
}

// Send writes the broadcast REQUEST envelope.
func (b *Broadcaster) Send(data []byte) error {
	return b.client.send(envelope.NewRequest(b.id, "", data))
}
