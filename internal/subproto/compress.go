package subproto

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// DefaultCompressThreshold is the payload size below which compression
// wastes more than it saves.
const DefaultCompressThreshold = 450

// Every binary-protocol payload starts with a one-byte marker so the
// receiving side knows whether to decompress.
const (
	markerStored     = 0x00
	markerCompressed = 0x01
)

// ErrCorruptPayload is returned when a compressed payload cannot be
// decoded. Fatal to the frame.
var ErrCorruptPayload = errors.New("subproto: corrupt compressed payload")

// deflate returns the marker-prefixed encoding of payload, compressing
// with s2 block compression unless skip is set or the payload is below
// threshold.
func deflate(payload []byte, threshold int, skip bool) []byte {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if skip || len(payload) < threshold {
		out := make([]byte, 1+len(payload))
		out[0] = markerStored
		copy(out[1:], payload)
		return out
	}
	enc := s2.Encode(make([]byte, s2.MaxEncodedLen(len(payload))), payload)
	out := make([]byte, 1+len(enc))
	out[0] = markerCompressed
	copy(out[1:], enc)
	return out
}

// inflate reverses deflate.
func inflate(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptPayload)
	}
	switch payload[0] {
	case markerStored:
		return payload[1:], nil
	case markerCompressed:
		out, err := s2.Decode(nil, payload[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown marker 0x%02x", ErrCorruptPayload, payload[0])
	}
}
