// Package frame defines the in-memory representation of a single WebSocket
// frame: its opcode, content flags, payload, and coarse arrival timestamp.
//
// A Frame delivered by the wire decoder always represents one complete
// logical message; continuation fragments are reassembled before delivery,
// and the opcode of a reassembled message is the opcode of its first
// fragment.
package frame

import "time"

// Opcode is the 4-bit WebSocket frame opcode (RFC 6455 Section 5.2).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame (0x8-0xF).
func (o Opcode) IsControl() bool {
	return o&0x08 != 0
}

// IsData reports whether the opcode is a data frame (continuation, text,
// or binary). Reserved opcodes 0x3-0x7 and 0xB-0xF are neither data nor
// control-handled: they are received but otherwise unrecognized.
func (o Opcode) IsData() bool {
	return o == OpContinuation || o == OpText || o == OpBinary
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

// Flags is a bit set of per-frame content flags.
type Flags uint8

const (
	// AlreadyCompressed marks a payload known to already be compressed
	// (e.g. a compressed media type), so codecs skip recompression.
	AlreadyCompressed Flags = 1 << 0
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Frame is one complete WebSocket message.
//
// Payload is owned by the frame: codecs mutate it in place (masking,
// compression, encryption) and callers must not retain aliases across
// codec calls.
type Frame struct {
	Opcode  Opcode
	Flags   Flags
	Payload []byte

	// ArrivalTick is a seconds-resolution counter stamped when the frame
	// enters a pending queue. It is used only for queue expiry, never for
	// wall-clock semantics.
	ArrivalTick int64
}

// New returns a frame with the given opcode and payload.
func New(op Opcode, payload []byte) *Frame {
	return &Frame{Opcode: op, Payload: payload}
}

// Stamp records the current tick on the frame and returns it.
func (f *Frame) Stamp() *Frame {
	f.ArrivalTick = Tick()
	return f
}

// Tick returns the current coarse timestamp used for queue expiry.
func Tick() int64 {
	return time.Now().Unix()
}
