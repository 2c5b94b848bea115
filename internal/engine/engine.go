package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wsrest/internal/frame"
	"wsrest/internal/metrics"
	"wsrest/internal/subproto"
	"wsrest/internal/transport"
	"wsrest/internal/wire"
)

// State is the engine lifecycle state. Transitions are monotonic:
// Created → Running → Closing → Destroyed.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateClosing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

const (
	defaultPollTimeout    = time.Millisecond
	defaultSendDelay      = 10 * time.Millisecond
	defaultInvalidHBMax   = 5
	defaultQueueTimeout   = 5 * time.Minute
	defaultCloseHandshake = time.Second
	defaultLoopSleepMax   = 500 * time.Millisecond
)

// Config holds the parameters for one connection engine. All fields but
// Protocol and Transport are optional; zero values select the defaults.
type Config struct {
	Protocol  subproto.Protocol
	Transport transport.Transport

	// Handler processes inbound requests. A nil Handler answers every
	// request with status 501.
	Handler Handler

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Mask enables outbound frame masking. Set on the connection-initiating
	// side, per RFC 6455.
	Mask bool

	// MaxFrameSize bounds inbound messages. Zero means the codec default.
	MaxFrameSize int64

	// HeartbeatInterval is the idle time after which a ping is sent.
	// Zero disables heartbeats (the usual connecting-side setting; a
	// listening side typically uses 20s).
	HeartbeatInterval time.Duration

	// InvalidHeartbeatMax is the number of consecutive failed ping sends
	// tolerated before the connection is closed. Zero means 5.
	InvalidHeartbeatMax int

	// SendDelay is the outbound coalescing delay before the pending queue
	// is flushed. Zero means 10ms.
	SendDelay time.Duration

	// PollTimeout is the receive-step readiness poll. Zero means 1ms.
	PollTimeout time.Duration

	// LoopSleepMax caps the adaptive idle sleep. Zero means 500ms.
	LoopSleepMax time.Duration

	// AcquireTimeout bounds the SendAndWait busy-wait for a stale answer
	// to drain. Zero means 30s.
	AcquireTimeout time.Duration

	// AnswerTimeout bounds the SendAndWait answer wait. Zero means 30s;
	// values under 2s are raised to 2s.
	AnswerTimeout time.Duration

	// QueueTimeout expires stale entries in the pending queues. Zero
	// means 5m.
	QueueTimeout time.Duration

	// OnConnect is called once the engine enters Running. Optional.
	OnConnect func(*Engine)
	// OnDisconnect is called once processing has finished. Optional,
	// best-effort: panics are swallowed.
	OnDisconnect func(*Engine)
	// BeforeDispatch may fully handle a data frame before normal dispatch.
	// Returning true suppresses dispatch. Optional.
	BeforeDispatch func(*Engine, *frame.Frame) bool

	// LogHeartbeat enables per-ping/pong debug logging.
	LogHeartbeat bool
	// LogFrames enables per-frame debug logging of heads and sizes.
	LogFrames bool
}

// Engine orchestrates one connection: it runs the process loop that
// interleaves inbound decoding, outbound flushing, and heartbeats, and
// exposes the blocking RPC dispatcher via Notify.
//
// Exactly one goroutine (the one calling Run) decodes inbound bytes;
// writers contend only on the send mutex, never on the transport itself.
type Engine struct {
	cfg Config

	id      string
	log     *slog.Logger
	metrics *metrics.Metrics

	proto subproto.Protocol
	tr    transport.Transport
	dec   *wire.Decoder
	enc   *wire.Encoder

	incoming *Queue
	outgoing *Queue

	state      atomic.Int32
	peerClosed atomic.Bool

	sendMu sync.Mutex

	// notifyMu orders Notify's state-check-then-Add against the Closing
	// transition, so inFlight never gains a first waiter concurrently
	// with Run's Wait.
	notifyMu  sync.Mutex
	inFlight  sync.WaitGroup
	invalidHB int // touched only by the Run goroutine

	lastActivity atomic.Int64 // unix nanos
	lastPing     atomic.Int64
}

// New creates an engine for one established connection. The protocol
// instance must be a fresh per-connection clone.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SendDelay == 0 {
		cfg.SendDelay = defaultSendDelay
	}
	if cfg.InvalidHeartbeatMax == 0 {
		cfg.InvalidHeartbeatMax = defaultInvalidHBMax
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	if cfg.LoopSleepMax == 0 {
		cfg.LoopSleepMax = defaultLoopSleepMax
	}

	e := &Engine{
		cfg:      cfg,
		id:       uuid.NewString(),
		metrics:  cfg.Metrics,
		proto:    cfg.Protocol,
		tr:       cfg.Transport,
		incoming: NewQueue(cfg.QueueTimeout),
		outgoing: NewQueue(cfg.QueueTimeout),
	}
	e.log = cfg.Logger.With("conn", e.id, "protocol", e.proto.Name())
	e.dec = wire.NewDecoder(e.tr)
	e.dec.MaxFrameSize = cfg.MaxFrameSize
	e.enc = wire.NewEncoder(e.tr)
	e.enc.Mask = cfg.Mask
	e.proto.SetLoopBack(transport.IsLoopBack(e.tr))
	e.touch()
	e.state.Store(int32(StateCreated))
	return e
}

// ID returns the engine's unique connection identifier.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Protocol returns the per-connection protocol instance.
func (e *Engine) Protocol() subproto.Protocol { return e.proto }

// Shutdown asks the process loop to stop. The loop performs the close
// handshake and invokes OnDisconnect before Run returns. Safe to call
// from any goroutine, any number of times.
func (e *Engine) Shutdown() {
	e.close("shutdown requested", nil)
}

func (e *Engine) close(reason string, err error) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if e.State() >= StateClosing {
		return
	}
	e.state.Store(int32(StateClosing))
	if err != nil {
		e.log.Warn("closing connection", "reason", reason, "error", err)
	} else {
		e.log.Info("closing connection", "reason", reason)
	}
}

// Run executes the process loop until the context is cancelled, Shutdown
// is called, or the connection fails. It always performs the close
// handshake and releases the transport before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrClosed
	}
	tracker := e.metrics.ConnectionOpened(e.proto.Name())
	e.log.Info("connection running")

	if e.cfg.OnConnect != nil {
		e.cfg.OnConnect(e)
	}
	// Dispatch a synthetic continuation frame so connection-scoped setup
	// can share the interception path with real frames.
	e.dispatch(frame.New(frame.OpContinuation, nil))

	var loopErr error
	for e.State() == StateRunning {
		if ctx.Err() != nil {
			e.close("context cancelled", ctx.Err())
			break
		}
		received, err := e.receiveStep()
		if err != nil {
			loopErr = err
			break
		}
		if err := e.sendStep(); err != nil {
			loopErr = err
			break
		}
		if !received {
			time.Sleep(e.idleSleep())
		}
	}

	e.closeHandshake()
	e.inFlight.Wait()
	e.state.Store(int32(StateDestroyed))
	_ = e.tr.Close()

	st := e.proto.Stats()
	tracker.Done(
		st.FramesIn.Load(), st.FramesOut.Load(),
		st.BytesIn.Load(), st.BytesOut.Load(),
		st.BytesInSocket.Load(), st.BytesOutSocket.Load(),
	)
	e.log.Info("connection destroyed",
		"framesIn", st.FramesIn.Load(), "framesOut", st.FramesOut.Load())

	if e.cfg.OnDisconnect != nil {
		func() {
			defer func() { _ = recover() }()
			e.cfg.OnDisconnect(e)
		}()
	}
	return loopErr
}

// receiveStep decodes and dispatches at most one frame. It reports
// whether a frame was consumed, so the caller can skip the idle sleep.
func (e *Engine) receiveStep() (bool, error) {
	readable, err := e.tr.Poll(e.cfg.PollTimeout)
	if err != nil {
		e.metrics.ConnectionError(metrics.ReasonTransport)
		e.close("poll failed", err)
		return false, err
	}
	if !readable {
		return false, nil
	}

	f, err := e.dec.Next()
	if err != nil {
		if transport.IsTimeout(err) {
			// Partial frame: the decoder resumes on the next pass.
			return false, nil
		}
		e.metrics.ConnectionError(metrics.ReasonDecode)
		e.close("decode failed", err)
		return false, err
	}
	e.touch()
	e.handleFrame(f)
	return true, nil
}

func (e *Engine) handleFrame(f *frame.Frame) {
	switch f.Opcode {
	case frame.OpPing:
		if e.cfg.LogHeartbeat {
			e.log.Debug("ping received", "size", len(f.Payload))
		}
		if err := e.sendRaw(frame.New(frame.OpPong, f.Payload)); err != nil {
			e.close("pong send failed", err)
		}

	case frame.OpPong:
		if e.cfg.LogHeartbeat {
			e.log.Debug("pong received")
		}

	case frame.OpClose:
		e.peerClosed.Store(true)
		_ = e.sendRaw(frame.New(frame.OpClose, nil))
		e.close("close frame received", nil)

	case frame.OpText, frame.OpBinary:
		if len(f.Payload) > 0 {
			if err := e.proto.AfterReceive(f); err != nil {
				// Tampering or corruption: fatal to the frame, the
				// connection survives.
				e.metrics.ConnectionError(metrics.ReasonCodec)
				e.log.Error("inbound frame rejected", "error", err)
				return
			}
		}
		if subs, ok := e.proto.Unpack(f); ok {
			for i, sub := range subs {
				if e.cfg.LogFrames {
					e.logSubFrame(sub, i == 0, i == len(subs)-1)
				}
				e.dispatch(sub)
			}
			return
		}
		e.dispatch(f)

	default:
		// Reserved opcodes are received but otherwise unrecognized.
		e.log.Debug("ignoring frame", "opcode", f.Opcode.String())
	}
}

func (e *Engine) logSubFrame(f *frame.Frame, first, last bool) {
	switch {
	case first:
		e.log.Debug("jumbo sub-frame", "position", "first", "size", len(f.Payload))
	case last:
		e.log.Debug("jumbo sub-frame", "position", "last", "size", len(f.Payload))
	default:
		e.log.Debug("jumbo sub-frame", "size", len(f.Payload))
	}
}

// dispatch routes one logical frame: interception hook first, then the
// request/answer router.
func (e *Engine) dispatch(f *frame.Frame) {
	if e.cfg.BeforeDispatch != nil && e.cfg.BeforeDispatch(e, f) {
		return
	}
	head := e.proto.FrameType(f)
	switch {
	case subproto.IsRequestHead(head):
		e.handleRequest(f, head)
	case subproto.IsAnswerHead(head):
		if e.incoming.TakeAnswerToIgnore() {
			e.log.Info("dropping late answer", "head", head)
			return
		}
		e.incoming.Push(f)
	default:
		if f.Opcode != frame.OpContinuation {
			e.log.Warn("unrecognized frame head", "head", head)
		}
	}
}

// handleRequest runs the application handler synchronously and sends the
// answer directly, bypassing the outbound queue.
func (e *Engine) handleRequest(f *frame.Frame, head string) {
	start := time.Now()
	msg, err := e.proto.Unwrap(f)
	if err != nil {
		e.log.Error("malformed request frame", "head", head, "error", err)
		return
	}
	req := e.unwrapRequest(msg)
	if e.cfg.LogFrames {
		e.log.Debug("request received", "head", head, "method", req.Method, "url", req.URL)
	}

	resp := e.invokeHandler(req)
	e.metrics.ObserveRequestDuration(e.proto.Name(), time.Since(start))
	if resp == nil || resp.ContentType == ContentTypeNoAnswer {
		return
	}

	af, err := e.wrapAnswer(resp, head)
	if err != nil {
		e.log.Error("answer encode failed", "head", head, "error", err)
		return
	}
	if err := e.sendDirect(af); err != nil {
		e.close("answer send failed", err)
	}
}

// invokeHandler shields the process loop from handler panics, converting
// them into an error answer.
func (e *Engine) invokeHandler(req *Request) (resp *Response) {
	if e.cfg.Handler == nil {
		return &Response{Status: 501, Body: []byte("no handler registered")}
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "method", req.Method, "panic", r)
			resp = &Response{Status: 500, Body: []byte("internal error")}
		}
	}()
	return e.cfg.Handler(req)
}

// sendStep flushes the outbound queue after the coalescing delay and
// emits heartbeats when idle.
func (e *Engine) sendStep() error {
	now := time.Now()
	idle := now.Sub(time.Unix(0, e.lastActivity.Load()))

	if idle >= e.cfg.SendDelay && e.outgoing.Len() > 0 {
		if err := e.flush(); err != nil {
			e.metrics.ConnectionError(metrics.ReasonTransport)
			e.close("flush failed", err)
			return err
		}
		return nil
	}

	hb := e.cfg.HeartbeatInterval
	if hb > 0 && idle >= hb && now.Sub(time.Unix(0, e.lastPing.Load())) >= hb {
		e.lastPing.Store(now.UnixNano())
		if err := e.sendRaw(frame.New(frame.OpPing, nil)); err != nil {
			e.invalidHB++
			e.metrics.HeartbeatFailure()
			e.log.Warn("heartbeat send failed", "consecutive", e.invalidHB, "error", err)
			if e.invalidHB >= e.cfg.InvalidHeartbeatMax {
				e.metrics.ConnectionError(metrics.ReasonHeartbeat)
				e.close("heartbeat threshold exceeded", err)
				return err
			}
			return nil
		}
		e.invalidHB = 0
		if e.cfg.LogHeartbeat {
			e.log.Debug("ping sent")
		}
	}
	return nil
}

// flush drains the outbound queue through the protocol's batched send.
func (e *Engine) flush() error {
	frames := e.outgoing.PopAll()
	if len(frames) == 0 {
		return nil
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.proto.SendFrames(e.enc, frames); err != nil {
		return err
	}
	e.touch()
	return nil
}

// sendDirect ships one protocol frame immediately, bypassing the queue.
func (e *Engine) sendDirect(f *frame.Frame) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.proto.SendFrames(e.enc, []*frame.Frame{f}); err != nil {
		return err
	}
	e.touch()
	return nil
}

// sendRaw ships one control frame without protocol processing.
func (e *Engine) sendRaw(f *frame.Frame) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.enc.Send(f); err != nil {
		return err
	}
	e.touch()
	return nil
}

// closeHandshake flushes pending frames, sends a close frame once, and
// waits briefly for the peer's echo. It proceeds regardless of whether
// the echo arrives.
func (e *Engine) closeHandshake() {
	_ = e.flush()

	if err := e.sendRaw(frame.New(frame.OpClose, nil)); err != nil {
		return
	}
	if e.peerClosed.Load() {
		// Our close frame was the acknowledgment; nothing more to wait for.
		return
	}

	deadline := time.Now().Add(defaultCloseHandshake)
	for time.Now().Before(deadline) {
		readable, err := e.tr.Poll(e.cfg.PollTimeout)
		if err != nil {
			return
		}
		if !readable {
			time.Sleep(time.Millisecond)
			continue
		}
		f, err := e.dec.Next()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return
		}
		if f.Opcode == frame.OpClose {
			e.peerClosed.Store(true)
			return
		}
		// Data racing the close: dispatch it rather than lose it.
		e.handleFrame(f)
	}
	e.log.Info("close acknowledgment not received")
}

func (e *Engine) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// idleSleep picks an increasing delay keyed by elapsed idle time, so the
// loop stays responsive under load without busy-spinning when quiet.
func (e *Engine) idleSleep() time.Duration {
	idle := time.Since(time.Unix(0, e.lastActivity.Load()))
	var d time.Duration
	switch {
	case idle < 50*time.Millisecond:
		d = 0
	case idle < 200*time.Millisecond:
		d = time.Millisecond
	case idle < time.Second:
		d = 5 * time.Millisecond
	case idle < 5*time.Second:
		d = 50 * time.Millisecond
	case idle < 30*time.Second:
		d = 100 * time.Millisecond
	default:
		d = 500 * time.Millisecond
	}
	return min(d, e.cfg.LoopSleepMax)
}
