// Package wire implements the RFC 6455 frame codec: an incremental,
// re-entrant decoder that assembles complete messages from a Transport,
// and an encoder that serializes a frame into a single write.
//
// All lengths on the inbound path are attacker-controlled; the decoder
// validates the declared length against a configured maximum before any
// allocation happens.
package wire

import "errors"

// DefaultMaxFrameSize bounds the payload of a single message (256 MiB).
const DefaultMaxFrameSize = 256 << 20

var (
	// ErrTooLarge is returned when a declared frame length exceeds the
	// decoder's maximum. Fatal to the connection.
	ErrTooLarge = errors.New("wire: frame length exceeds maximum")

	// ErrOpcodeMismatch is returned when a continuation fragment carries
	// an opcode that is neither Continuation nor the first fragment's.
	ErrOpcodeMismatch = errors.New("wire: continuation opcode mismatch")

	// ErrFragmentedControl is returned when a control frame arrives with
	// FIN=0. Control frames must not be fragmented.
	ErrFragmentedControl = errors.New("wire: fragmented control frame")

	// ErrInvalidUTF8 is returned when a completed text message is not
	// valid UTF-8.
	ErrInvalidUTF8 = errors.New("wire: text payload is not valid UTF-8")

	// ErrDecoderPoisoned is returned by Next after a protocol violation;
	// the connection must be torn down.
	ErrDecoderPoisoned = errors.New("wire: decoder in error state")
)
