// Package subproto implements the application-level sub-protocols
// negotiated on top of the frame transport: a plain-JSON encoding and a
// compressed/encrypted binary encoding with jumbo-frame batching, plus
// the registry they are negotiated from.
//
// A Protocol instance is created once per connection by Registry.Clone
// and lives exactly as long as the connection engine that owns it.
package subproto

import (
	"errors"
	"fmt"
	"sync/atomic"

	"wsrest/internal/frame"
	"wsrest/internal/wire"
)

var (
	// ErrUnknownHead is returned by Unwrap when the frame does not carry
	// the expected sub-protocol envelope.
	ErrUnknownHead = errors.New("subproto: unrecognized frame head")

	// ErrMalformed is returned when a sub-protocol payload cannot be
	// parsed. Fatal to the frame, not the connection.
	ErrMalformed = errors.New("subproto: malformed payload")
)

// Message is the logical content of one sub-protocol frame: a head string
// identifying the exchange, positional header values, and a typed body.
type Message struct {
	Head        string
	Values      []string
	ContentType string
	Content     []byte
}

// Protocol is the polymorphic sub-protocol capability. Implementations
// are JSON and Binary; new variants extend this closed set rather than
// inheriting from each other.
type Protocol interface {
	// Name returns the negotiated sub-protocol name.
	Name() string
	// Names returns every name the protocol negotiates under, canonical
	// name first.
	Names() []string
	// URI returns the scope URI this protocol is restricted to; empty
	// means unrestricted.
	URI() string
	// Clone returns an independent per-connection instance negotiated
	// under name, with fresh counters and sequencing state.
	Clone(name string) Protocol

	// Wrap encodes a message into a frame payload.
	Wrap(msg *Message) (*frame.Frame, error)
	// Unwrap decodes a frame payload back into a message.
	Unwrap(f *frame.Frame) (*Message, error)
	// FrameType classifies a frame by its head string without fully
	// decoding it. Returns "" when the frame is not recognized.
	FrameType(f *frame.Frame) string
	// FrameData returns the encoded body following the head when the
	// frame's head equals head.
	FrameData(f *frame.Frame, head string) ([]byte, bool)

	// BeforeSend applies compression and encryption to an outbound frame
	// payload and updates counters.
	BeforeSend(f *frame.Frame) error
	// AfterReceive reverses BeforeSend on an inbound frame payload and
	// updates counters. Only called for non-empty payloads.
	AfterReceive(f *frame.Frame) error
	// SendFrames flushes queued outbound frames through the encoder,
	// possibly coalescing them into one jumbo frame.
	SendFrames(enc *wire.Encoder, frames []*frame.Frame) error
	// Unpack splits a jumbo frame into its logical sub-frames. ok is
	// false when f is an ordinary frame.
	Unpack(f *frame.Frame) (subs []*frame.Frame, ok bool)

	// Sequencing reports whether request/answer heads carry rolling
	// counters instead of the literal request/answer strings.
	Sequencing() bool
	// NextRequestHead returns the head for a new outgoing request.
	NextRequestHead() string

	// SetLoopBack marks the connection as same-host, enabling the
	// compression/encryption opt-outs.
	SetLoopBack(bool)

	// Stats returns the protocol's live counters.
	Stats() *Stats
}

// Stats carries per-connection protocol counters. Bytes are measured
// post-decode/pre-encode; the Socket variants are measured at the wire
// (pre-decode/post-encode) so the two can be compared to report the
// compression ratio.
type Stats struct {
	FramesIn  atomic.Int64
	FramesOut atomic.Int64

	BytesIn  atomic.Int64
	BytesOut atomic.Int64

	BytesInSocket  atomic.Int64
	BytesOutSocket atomic.Int64
}

const (
	// HeadRequest and HeadAnswer are the literal heads used when
	// sequencing is disabled.
	HeadRequest = "request"
	HeadAnswer  = "answer"

	// headJumbo marks a batched frame carrying several logical frames.
	headJumbo = "frames"
)

const seqMax = 0xFFFFFF // rolling 3-byte counter, wraps back to 1

// IsRequestHead reports whether head identifies a request frame: the
// literal "request" or a sequenced r###### tag.
func IsRequestHead(head string) bool {
	return head == HeadRequest || isSeqHead(head, 'r')
}

// IsAnswerHead reports whether head identifies an answer frame.
func IsAnswerHead(head string) bool {
	return head == HeadAnswer || isSeqHead(head, 'a')
}

// AnswerHeadFor returns the answer head matching a request head, so a
// sequenced r000001 request is answered by a000001.
func AnswerHeadFor(requestHead string) string {
	if isSeqHead(requestHead, 'r') {
		return "a" + requestHead[1:]
	}
	return HeadAnswer
}

func isSeqHead(head string, prefix byte) bool {
	if len(head) != 7 || head[0] != prefix {
		return false
	}
	for i := 1; i < 7; i++ {
		c := head[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// base carries the state shared by the concrete protocols.
type base struct {
	name string
	uri  string

	sequencing bool
	loopBack   atomic.Bool
	seq        atomic.Uint32

	cipher *Cipher // nil = cleartext
	// noCryptLoopBack skips encryption on same-host connections.
	noCryptLoopBack bool

	stats Stats
}

func (b *base) Name() string       { return b.name }
func (b *base) URI() string        { return b.uri }
func (b *base) Sequencing() bool   { return b.sequencing }
func (b *base) SetLoopBack(v bool) { b.loopBack.Store(v) }
func (b *base) Stats() *Stats      { return &b.stats }

// NextRequestHead returns "request", or the next rolling r###### tag when
// sequencing is enabled.
func (b *base) NextRequestHead() string {
	if !b.sequencing {
		return HeadRequest
	}
	for {
		cur := b.seq.Load()
		next := cur + 1
		if next > seqMax {
			next = 1
		}
		if b.seq.CompareAndSwap(cur, next) {
			return fmt.Sprintf("r%06x", next)
		}
	}
}

// cryptEnabled reports whether the cipher applies to this connection,
// honoring the loop-back opt-out.
func (b *base) cryptEnabled() bool {
	if b.cipher == nil {
		return false
	}
	return !(b.noCryptLoopBack && b.loopBack.Load())
}
