package transport

import (
	"io"
	"sync"
	"time"
)

const pipeDepth = 64

// PipeEnd is one side of an in-memory duplex Transport. It is used by
// tests and by same-process loop-back connections.
type PipeEnd struct {
	rd <-chan []byte
	wr chan<- []byte

	leftover []byte

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

// Pipe returns two connected transport ends. Bytes sent on one end are
// received, in order, on the other. Each direction buffers up to pipeDepth
// writes before Send blocks.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	ca := make(chan struct{})
	cb := make(chan struct{})
	a := &PipeEnd{rd: ba, wr: ab, closed: ca, peerDone: cb}
	b := &PipeEnd{rd: ab, wr: ba, closed: cb, peerDone: ca}
	return a, b
}

// Poll reports whether data is available within timeout.
func (p *PipeEnd) Poll(timeout time.Duration) (bool, error) {
	if len(p.leftover) > 0 {
		return true, nil
	}
	select {
	case <-p.closed:
		return false, ErrClosed
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b, ok := <-p.rd:
		if !ok {
			return false, io.EOF
		}
		p.leftover = b
		return true, nil
	case <-p.closed:
		return false, ErrClosed
	case <-p.peerDone:
		// Drain anything the peer wrote before closing.
		select {
		case b := <-p.rd:
			p.leftover = b
			return true, nil
		default:
			return false, io.EOF
		}
	case <-t.C:
		return false, nil
	}
}

// Receive reads up to len(p) buffered bytes, blocking until the peer
// writes or either end closes.
func (p *PipeEnd) Receive(buf []byte) (int, error) {
	if len(p.leftover) == 0 {
		select {
		case <-p.closed:
			return 0, ErrClosed
		default:
		}
		select {
		case b := <-p.rd:
			p.leftover = b
		case <-p.closed:
			return 0, ErrClosed
		case <-p.peerDone:
			select {
			case b := <-p.rd:
				p.leftover = b
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(buf, p.leftover)
	p.leftover = p.leftover[n:]
	return n, nil
}

// Send queues a copy of the buffer for the peer.
func (p *PipeEnd) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerDone:
		return io.ErrClosedPipe
	case p.wr <- cp:
		return nil
	}
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// LoopBack always reports true: both ends live in the same process.
func (p *PipeEnd) LoopBack() bool { return true }
