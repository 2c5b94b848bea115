package wire

import (
	"crypto/rand"
	"encoding/binary"

	"wsrest/internal/frame"
	"wsrest/internal/transport"
)

// Encoder serializes frames into single transport writes.
//
// The engine never emits multi-fragment messages, so FIN is always set.
// When Mask is enabled (the connection-initiating side), every outbound
// frame is masked with a fresh random key, per RFC 6455. A close frame is
// only ever sent once per connection.
type Encoder struct {
	tr transport.Transport

	// Mask enables client-side masking of all outbound frames.
	Mask bool

	closeSent bool
}

// NewEncoder returns an encoder writing to tr.
func NewEncoder(tr transport.Transport) *Encoder {
	return &Encoder{tr: tr}
}

// CloseSent reports whether a close frame has already been written.
func (e *Encoder) CloseSent() bool { return e.closeSent }

// Send encodes and writes one frame. Sending a second close frame is a
// silent no-op.
func (e *Encoder) Send(f *frame.Frame) error {
	if f.Opcode == frame.OpClose {
		if e.closeSent {
			return nil
		}
		e.closeSent = true
	}
	return e.tr.Send(Encode(f, e.Mask))
}

// Encode serializes f into one contiguous buffer (header, optional mask
// key, payload) so it can reach the transport in a single write. The
// frame's payload is copied, never mutated, so a masked send does not
// corrupt queued frames.
func Encode(f *frame.Frame, mask bool) []byte {
	plen := len(f.Payload)
	hlen := 2
	switch {
	case plen >= 1<<16:
		hlen += 8
	case plen >= 126:
		hlen += 2
	}
	if mask {
		hlen += 4
	}

	buf := make([]byte, hlen+plen)
	buf[0] = finBit | byte(f.Opcode)

	var mb byte
	if mask {
		mb = maskBit
	}
	switch {
	case plen >= 1<<16:
		buf[1] = 127 | mb
		binary.BigEndian.PutUint64(buf[2:], uint64(plen))
	case plen >= 126:
		buf[1] = 126 | mb
		binary.BigEndian.PutUint16(buf[2:], uint16(plen))
	default:
		buf[1] = byte(plen) | mb
	}

	copy(buf[hlen:], f.Payload)
	if mask {
		var key [4]byte
		_, _ = rand.Read(key[:])
		copy(buf[hlen-4:], key[:])
		unmask(buf[hlen:], key)
	}
	return buf
}
