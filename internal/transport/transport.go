// Package transport defines the byte-stream boundary the protocol engine
// runs on: a polled, timeout-bounded source and sink of raw bytes.
//
// The engine never opens sockets, resolves addresses, or performs TLS; it
// consumes whatever Transport it is handed. This package provides two
// implementations (a net.Conn adapter and an in-memory duplex pipe) plus a
// minimal RFC 6455 upgrade handshake for callers that do hold real sockets.
package transport

import (
	"errors"
	"net"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport is the abstract byte source/sink consumed by the wire codec.
//
// Receive may return fewer bytes than len(p); callers are expected to
// resume. Send either writes the whole buffer or fails. Exactly one
// goroutine reads and one writes at a time; Transport implementations do
// not need internal locking beyond that.
type Transport interface {
	// Poll reports whether at least one byte is readable within timeout.
	Poll(timeout time.Duration) (bool, error)

	// Receive reads up to len(p) bytes, blocking until at least one byte
	// is available or its configured read timeout elapses.
	Receive(p []byte) (int, error)

	// Send writes the whole buffer.
	Send(p []byte) error

	Close() error
}

// loopBacker is optionally implemented by transports that can tell whether
// both ends live on the same host.
type loopBacker interface {
	LoopBack() bool
}

// IsLoopBack reports whether t is known to be a same-host transport.
// Used for the compression/encryption loop-back opt-outs.
func IsLoopBack(t Transport) bool {
	lb, ok := t.(loopBacker)
	return ok && lb.LoopBack()
}

// IsTimeout reports whether err is a network timeout. The engine treats
// a timeout mid-frame as a resumable partial read, not a failure.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
