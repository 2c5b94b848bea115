package engine

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"wsrest/internal/frame"
	"wsrest/internal/subproto"
)

// ContentTypeNoAnswer is the designated response content type signalling
// that no answer frame must be sent back for a request.
const ContentTypeNoAnswer = "!NORESPONSE"

var (
	// ErrConnectionBusy is returned by SendAndWait when a previous call is
	// still draining a stale answer and does not finish within the acquire
	// timeout.
	ErrConnectionBusy = errors.New("engine: connection busy")

	// ErrAnswerTimeout is returned when no matching answer arrives within
	// the answer timeout. The eventual late answer will be dropped.
	ErrAnswerTimeout = errors.New("engine: answer timeout")

	// ErrClosed is returned when the engine is closing or destroyed.
	ErrClosed = errors.New("engine: connection closed")
)

// NotifyMode selects how Notify delivers a request.
type NotifyMode int

const (
	// FireAndForget enqueues the request onto the outbound queue and
	// returns immediately; the next flush coalesces it with its peers.
	FireAndForget NotifyMode = iota
	// SendAndWait sends the request directly and blocks until the matching
	// answer arrives or the answer timeout elapses.
	SendAndWait
	// SendNoAnswer sends the request directly and returns as soon as the
	// write succeeds, never waiting for an answer.
	SendNoAnswer
)

func (m NotifyMode) String() string {
	switch m {
	case FireAndForget:
		return "fire-and-forget"
	case SendAndWait:
		return "send-and-wait"
	case SendNoAnswer:
		return "send-no-answer"
	default:
		return "unknown"
	}
}

// Request is one REST-style exchange sent to, or received from, the peer.
type Request struct {
	Method      string
	URL         string
	Headers     string
	ContentType string
	Body        []byte
}

// Response is the answer to a Request.
type Response struct {
	Status      int
	Headers     string
	ContentType string
	Body        []byte
}

// Handler processes one inbound request. It runs synchronously on the
// connection's processing goroutine, so per-connection ordering is
// preserved. Returning a Response with ContentType ContentTypeNoAnswer
// (or a nil Response) suppresses the answer frame.
type Handler func(req *Request) *Response

const (
	defaultAcquireTimeout = 30 * time.Second
	defaultAnswerTimeout  = 30 * time.Second
	minAnswerTimeout      = 2 * time.Second
	answerPollInterval    = time.Millisecond
)

// Notify performs one RPC exchange on the connection, per mode. The
// returned Response is non-nil only for SendAndWait.
func (e *Engine) Notify(req *Request, mode NotifyMode) (*Response, error) {
	e.notifyMu.Lock()
	if e.State() >= StateClosing {
		e.notifyMu.Unlock()
		return nil, ErrClosed
	}
	e.inFlight.Add(1)
	e.notifyMu.Unlock()
	defer e.inFlight.Done()

	switch mode {
	case FireAndForget:
		f, err := e.wrapRequest(req, e.proto.NextRequestHead())
		if err != nil {
			return nil, err
		}
		e.outgoing.Push(f)
		return nil, nil

	case SendNoAnswer:
		f, err := e.wrapRequest(req, e.proto.NextRequestHead())
		if err != nil {
			return nil, err
		}
		return nil, e.sendDirect(f)

	case SendAndWait:
		return e.sendAndWait(req)

	default:
		return nil, fmt.Errorf("engine: unknown notify mode %d", mode)
	}
}

func (e *Engine) sendAndWait(req *Request) (*Response, error) {
	// A stale answer from a timed-out predecessor must drain first, or the
	// head matching below could pair us with the wrong exchange.
	if err := e.acquire(); err != nil {
		return nil, err
	}

	head := e.proto.NextRequestHead()
	f, err := e.wrapRequest(req, head)
	if err != nil {
		return nil, err
	}
	if err := e.sendDirect(f); err != nil {
		return nil, err
	}

	answerHead := subproto.AnswerHeadFor(head)
	timeout := e.cfg.AnswerTimeout
	if timeout == 0 {
		timeout = defaultAnswerTimeout
	}
	if timeout < minAnswerTimeout {
		timeout = minAnswerTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		af := e.incoming.PopMatching(func(f *frame.Frame) bool {
			return e.proto.FrameType(f) == answerHead
		})
		if af != nil {
			return e.unwrapAnswer(af)
		}
		if e.State() >= StateClosing {
			return nil, ErrClosed
		}
		if time.Now().After(deadline) {
			e.incoming.AddAnswerToIgnore()
			e.metrics.CallbackTimeout(e.proto.Name())
			e.log.Warn("answer timeout", "head", head, "timeout", timeout)
			return nil, ErrAnswerTimeout
		}
		time.Sleep(answerPollInterval)
	}
}

// acquire poll-waits for the ignore counter to drain to zero.
func (e *Engine) acquire() error {
	timeout := e.cfg.AcquireTimeout
	if timeout == 0 {
		timeout = defaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	for e.incoming.AnswersToIgnore() > 0 {
		if e.State() >= StateClosing {
			return ErrClosed
		}
		if time.Now().After(deadline) {
			return ErrConnectionBusy
		}
		time.Sleep(answerPollInterval)
	}
	return nil
}

func (e *Engine) wrapRequest(req *Request, head string) (*frame.Frame, error) {
	return e.proto.Wrap(&subproto.Message{
		Head:        head,
		Values:      []string{req.Method, req.URL, req.Headers},
		ContentType: req.ContentType,
		Content:     req.Body,
	})
}

func (e *Engine) wrapAnswer(resp *Response, requestHead string) (*frame.Frame, error) {
	return e.proto.Wrap(&subproto.Message{
		Head:        subproto.AnswerHeadFor(requestHead),
		Values:      []string{strconv.Itoa(resp.Status), resp.Headers},
		ContentType: resp.ContentType,
		Content:     resp.Body,
	})
}

func (e *Engine) unwrapAnswer(f *frame.Frame) (*Response, error) {
	msg, err := e.proto.Unwrap(f)
	if err != nil {
		return nil, err
	}
	resp := &Response{ContentType: msg.ContentType, Body: msg.Content}
	if len(msg.Values) > 0 {
		if resp.Status, err = strconv.Atoi(msg.Values[0]); err != nil {
			return nil, fmt.Errorf("engine: malformed answer status %q", msg.Values[0])
		}
	}
	if len(msg.Values) > 1 {
		resp.Headers = msg.Values[1]
	}
	return resp, nil
}

func (e *Engine) unwrapRequest(msg *subproto.Message) *Request {
	req := &Request{ContentType: msg.ContentType, Body: msg.Content}
	if len(msg.Values) > 0 {
		req.Method = msg.Values[0]
	}
	if len(msg.Values) > 1 {
		req.URL = msg.Values[1]
	}
	if len(msg.Values) > 2 {
		req.Headers = msg.Values[2]
	}
	return req
}
