package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"wsrest/internal/frame"
	"wsrest/internal/transport"
)

const (
	finBit  = 0x80
	maskBit = 0x80
)

// decodeState is the explicit state of the inbound frame state machine:
// header1 → data1 → [headerN → dataN]* → done, with a terminal error
// state on protocol violation.
type decodeState int

const (
	stateHeader1 decodeState = iota
	stateData1
	stateHeaderN
	stateDataN
	stateError
)

// Decoder incrementally assembles complete messages from a Transport.
//
// Each Receive call on the transport may return fewer bytes than asked
// for; the state machine resumes exactly where it left off without
// re-reading or corrupting already-consumed bytes. A Decoder is owned by
// exactly one goroutine.
type Decoder struct {
	tr transport.Transport

	// MaxFrameSize bounds the total payload of a message. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int64

	state decodeState

	// Current header under assembly. hdrNeed grows as the fixed 2 bytes
	// reveal extended-length and mask fields.
	hdr     [14]byte
	hdrFill int
	hdrNeed int

	fin     bool
	opcode  frame.Opcode
	masked  bool
	maskKey [4]byte
	fragLen int64

	first     frame.Opcode // opcode of the first fragment
	payload   []byte       // reassembled message
	fragStart int          // offset of the current fragment in payload
	fragFill  int          // bytes of the current fragment received so far
}

// NewDecoder returns a decoder reading from tr.
func NewDecoder(tr transport.Transport) *Decoder {
	return &Decoder{tr: tr, hdrNeed: 2}
}

func (d *Decoder) maxSize() int64 {
	if d.MaxFrameSize > 0 {
		return d.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// Next returns the next complete message. On a transport error the
// decoder state is preserved and Next may be called again; on a protocol
// violation the decoder is poisoned and the connection must be closed.
func (d *Decoder) Next() (*frame.Frame, error) {
	for {
		switch d.state {
		case stateHeader1, stateHeaderN:
			if err := d.readHeader(); err != nil {
				return nil, err
			}
		case stateData1, stateDataN:
			done, err := d.readData()
			if err != nil {
				return nil, err
			}
			if done {
				return d.finish()
			}
		case stateError:
			return nil, ErrDecoderPoisoned
		}
	}
}

// readHeader accumulates header bytes until the full header (fixed part,
// extended length, mask key) is present, then validates it and moves to
// the matching data state.
func (d *Decoder) readHeader() error {
	for d.hdrFill < d.hdrNeed {
		n, err := d.tr.Receive(d.hdr[d.hdrFill:d.hdrNeed])
		d.hdrFill += n
		if err != nil {
			return err
		}
	}

	// The fixed 2 bytes tell us how much more header to expect.
	if d.hdrNeed == 2 {
		extra := 0
		switch d.hdr[1] & 0x7F {
		case 126:
			extra = 2
		case 127:
			extra = 8
		}
		if d.hdr[1]&maskBit != 0 {
			extra += 4
		}
		if extra > 0 {
			d.hdrNeed = 2 + extra
			return nil // resume accumulation
		}
	}

	return d.parseHeader()
}

func (d *Decoder) parseHeader() error {
	d.fin = d.hdr[0]&finBit != 0
	d.opcode = frame.Opcode(d.hdr[0] & 0x0F)
	d.masked = d.hdr[1]&maskBit != 0

	off := 2
	switch d.hdr[1] & 0x7F {
	case 126:
		d.fragLen = int64(binary.BigEndian.Uint16(d.hdr[off:]))
		off += 2
	case 127:
		v := binary.BigEndian.Uint64(d.hdr[off:])
		if v > uint64(d.maxSize()) {
			return d.poison(ErrTooLarge)
		}
		d.fragLen = int64(v)
		off += 8
	default:
		d.fragLen = int64(d.hdr[1] & 0x7F)
	}
	if d.masked {
		copy(d.maskKey[:], d.hdr[off:off+4])
	}

	if d.opcode.IsControl() && !d.fin {
		return d.poison(ErrFragmentedControl)
	}

	switch d.state {
	case stateHeader1:
		d.first = d.opcode
		d.state = stateData1
	case stateHeaderN:
		if d.opcode != frame.OpContinuation && d.opcode != d.first {
			return d.poison(ErrOpcodeMismatch)
		}
		d.state = stateDataN
	}

	// Bound the reassembled message before allocating the fragment.
	total := int64(d.fragStart) + d.fragLen
	if total > d.maxSize() {
		return d.poison(ErrTooLarge)
	}
	d.payload = append(d.payload, make([]byte, d.fragLen)...)
	d.fragFill = 0
	d.hdrFill = 0
	d.hdrNeed = 2
	return nil
}

// readData accumulates the current fragment's payload. It reports true
// once the fragment is complete and FIN was set.
func (d *Decoder) readData() (bool, error) {
	want := int(d.fragLen)
	for d.fragFill < want {
		n, err := d.tr.Receive(d.payload[d.fragStart+d.fragFill : d.fragStart+want])
		d.fragFill += n
		if err != nil {
			return false, err
		}
	}

	if d.masked {
		unmask(d.payload[d.fragStart:d.fragStart+want], d.maskKey)
	}
	d.fragStart += want

	if d.fin {
		return true, nil
	}
	d.state = stateHeaderN
	return false, nil
}

// finish validates and emits the reassembled message, then resets for the
// next one.
func (d *Decoder) finish() (*frame.Frame, error) {
	f := frame.New(d.first, d.payload)
	if d.first == frame.OpText && !utf8.Valid(f.Payload) {
		return nil, d.poison(ErrInvalidUTF8)
	}

	d.state = stateHeader1
	d.payload = nil
	d.fragStart = 0
	d.fragFill = 0
	return f.Stamp(), nil
}

func (d *Decoder) poison(err error) error {
	d.state = stateError
	return err
}

// unmask XORs buf in place with the 4-byte mask key, cycling its bytes.
func unmask(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
