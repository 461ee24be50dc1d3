// Package streamframe implements the length-prefixed framing shared by the
// two stream-oriented transports, TCP and KCP: a little-endian uint32 length
// followed by exactly that many envelope bytes (spec.md §6). Both
// tcpgateway and kcpgateway present a net.Conn-shaped stream to their
// connection workers — a raw TCP socket and a kcp-go UDPSession
// respectively — so they share one framer instead of each reimplementing
// the sticky-packet problem the teacher's protocol package solves for its
// own single transport.
package streamframe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the length-prefix ceiling from spec.md §4.5/§6: a frame
// whose declared body length falls outside (0, 10 MiB] is a framing
// violation and closes the connection without a reply.
const MaxFrameSize = 10 << 20 // 10 MiB

const lengthPrefixSize = 4

// Write writes a little-endian uint32 length prefix followed by body to w.
func Write(w io.Writer, body []byte) error {
	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Read reads one length-prefixed frame from r, looping internally via
// io.ReadFull so a body split across multiple reads is reassembled
// correctly — neither TCP nor a KCP session guarantees one Read call
// returns one message.
func Read(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("streamframe: frame length %d out of bounds (0, %d]", length, MaxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
