// Package envelope defines the wire format shared by every transport this
// module speaks: WebSocket, length-prefixed TCP, and KCP.
//
// An Envelope is the one object that crosses the wire. It carries a command
// id, an optional correlation token, a type tag, and an opaque body. The
// codec here solves the same "how do I know where one message ends and the
// next begins" problem that a TCP sticky-packet framer solves, except the
// fields are generic enough to be reused verbatim by all three transports.
// The codec here only turns one Envelope into one byte slice and back:
// WebSocket delivers whole messages, and for TCP and KCP the length framing
// is handled a layer up by the streamframe package.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type tags an Envelope as a request, a response, or an error reply.
type Type byte

const (
	Request  Type = 0
	Response Type = 1
	Error    Type = 2
)

// ParseErrorID is the command id used on a protocol-level ERROR reply when
// the inbound frame could not be decoded into an Envelope at all, so no
// real command id is available to echo back (spec.md §4.1).
const ParseErrorID = "__parse_error__"

func (t Type) String() string {
	switch t {
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Envelope is the single object exchanged between client and server.
//
// ID is the command id and is never empty. RequestID correlates a reply to
// the request it answers and is empty for fire-and-forget traffic. Data is
// the opaque payload; for Type == Error it is a UTF-8 reason string.
type Envelope struct {
	ID        string
	RequestID string
	Type      Type
	Data      []byte
}

// NewRequest builds a fire-and-forget or correlated request envelope.
// Pass an empty requestID for fire-and-forget.
func NewRequest(id, requestID string, data []byte) *Envelope {
	return &Envelope{ID: id, RequestID: requestID, Type: Request, Data: data}
}

// NewResponse builds a response envelope, echoing requestID if the request
// that triggered it carried one.
func NewResponse(id, requestID string, data []byte) *Envelope {
	return &Envelope{ID: id, RequestID: requestID, Type: Response, Data: data}
}

// NewError builds an error reply, the reason string becomes Data.
func NewError(id, requestID, reason string) *Envelope {
	return &Envelope{ID: id, RequestID: requestID, Type: Error, Data: []byte(reason)}
}

// Reason returns Data as a string; only meaningful when Type == Error.
func (e *Envelope) Reason() string {
	return string(e.Data)
}

// Validate enforces the §3 invariant that ID is never empty and Type is one
// of the three known values. Callers run this right after Decode.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope: id must not be empty")
	}
	switch e.Type {
	case Request, Response, Error:
	default:
		return fmt.Errorf("envelope: unknown type %d", byte(e.Type))
	}
	return nil
}

// wire format, a compact tagged record:
//
//	┌──────────┬──────────────┬────┬───────────┬───────────┬─────────┬────────┐
//	│IDLen(2)  │ ID bytes     │type│ReqLen(2)  │RequestID  │DataLen(4)│ Data   │
//	│ uint16   │ IDLen bytes  │ (1)│ uint16    │ ReqLen B  │ uint32   │ N bytes│
//	└──────────┴──────────────┴────┴───────────┴───────────┴─────────┴────────┘
//
// Mirrors the teacher's codec.BinaryCodec: length-prefixed fields instead of
// a self-describing schema, because the field set is small and fixed.

const maxFieldLen = 1 << 16

// Encode serializes e into a fresh byte slice. It never mutates e.
func Encode(e *Envelope) ([]byte, error) {
	if len(e.ID) >= maxFieldLen {
		return nil, fmt.Errorf("envelope: id too long (%d bytes)", len(e.ID))
	}
	if len(e.RequestID) >= maxFieldLen {
		return nil, fmt.Errorf("envelope: request_id too long (%d bytes)", len(e.RequestID))
	}

	total := 2 + len(e.ID) + 1 + 2 + len(e.RequestID) + 4 + len(e.Data)
	buf := make([]byte, total)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(e.ID)))
	offset += 2
	offset += copy(buf[offset:], e.ID)

	buf[offset] = byte(e.Type)
	offset++

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(e.RequestID)))
	offset += 2
	offset += copy(buf[offset:], e.RequestID)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(e.Data)))
	offset += 4
	copy(buf[offset:], e.Data)

	return buf, nil
}

// Decode parses a byte slice produced by Encode. It copies Data out of buf
// so callers may reuse or return buf to a pool after Decode returns.
func Decode(buf []byte) (*Envelope, error) {
	offset := 0

	if len(buf) < offset+2 {
		return nil, errors.New("envelope: truncated id length")
	}
	idLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	if len(buf) < offset+idLen {
		return nil, errors.New("envelope: truncated id")
	}
	id := string(buf[offset : offset+idLen])
	offset += idLen

	if len(buf) < offset+1 {
		return nil, errors.New("envelope: truncated type")
	}
	typ := Type(buf[offset])
	offset++

	if len(buf) < offset+2 {
		return nil, errors.New("envelope: truncated request_id length")
	}
	reqLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	if len(buf) < offset+reqLen {
		return nil, errors.New("envelope: truncated request_id")
	}
	requestID := string(buf[offset : offset+reqLen])
	offset += reqLen

	if len(buf) < offset+4 {
		return nil, errors.New("envelope: truncated data length")
	}
	dataLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	offset += 4

	if len(buf) < offset+dataLen {
		return nil, errors.New("envelope: truncated data")
	}
	data := make([]byte, dataLen)
	copy(data, buf[offset:offset+dataLen])
	offset += dataLen

	e := &Envelope{ID: id, RequestID: requestID, Type: typ, Data: data}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
