// Package listener implements the serving side: it accepts TCP
// connections, performs the WebSocket upgrade, negotiates a sub-protocol
// from the registry, and runs one connection engine per accepted
// connection until the context is cancelled.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"wsrest/internal/engine"
	"wsrest/internal/metrics"
	"wsrest/internal/subproto"
	"wsrest/internal/transport"
)

// Config holds listener configuration.
type Config struct {
	Addr     string
	Registry *subproto.Registry

	// Handler processes inbound requests on every accepted connection.
	Handler engine.Handler

	MaxConnections int           // 0 = unlimited
	Heartbeat      time.Duration // 0 = default 20s
	MaxFrameSize   int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// OnConnect and OnDisconnect are passed through to every engine.
	OnConnect    func(*engine.Engine)
	OnDisconnect func(*engine.Engine)
}

const defaultHeartbeat = 20 * time.Second

// ListenAndServe starts the listener. It blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, cfg)
}

// Serve accepts connections from ln. It blocks until ctx is cancelled,
// then stops accepting and asks the running engines to shut down.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	sem := newConnSemaphore(cfg.MaxConnections)
	var (
		mu      sync.Mutex
		engines = map[*engine.Engine]struct{}{}
	)

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sem.tryAcquire(ctx) {
				cfg.Metrics.ConnectionError(metrics.ReasonHandshake)
				http.Error(w, "too many connections", http.StatusServiceUnavailable)
				return
			}
			defer sem.release()

			e, err := accept(w, r, cfg)
			if err != nil {
				cfg.Metrics.ConnectionError(metrics.ReasonHandshake)
				cfg.Logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			mu.Lock()
			engines[e] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(engines, e)
				mu.Unlock()
			}()

			// The hijacked handler goroutine is the connection's process
			// loop: one loop per connection, no shared event loop.
			if err := e.Run(ctx); err != nil {
				cfg.Logger.Debug("connection ended", "conn", e.ID(), "error", err)
			}
		}),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
		mu.Lock()
		for e := range engines {
			e.Shutdown()
		}
		mu.Unlock()
	}()

	cfg.Logger.Info("listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// accept upgrades the request and builds the connection engine.
func accept(w http.ResponseWriter, r *http.Request, cfg Config) (*engine.Engine, error) {
	supported := cfg.Registry.Names(r.URL.Path)
	conn, name, err := transport.Accept(w, r, supported)
	if err != nil {
		return nil, err
	}
	proto := cfg.Registry.CloneByName(name, r.URL.Path)
	if proto == nil {
		conn.Close()
		return nil, errors.New("listener: negotiated protocol not registered")
	}

	return engine.New(engine.Config{
		Protocol:          proto,
		Transport:         transport.NewConn(conn),
		Handler:           cfg.Handler,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		MaxFrameSize:      cfg.MaxFrameSize,
		HeartbeatInterval: cfg.Heartbeat,
		OnConnect:         cfg.OnConnect,
		OnDisconnect:      cfg.OnDisconnect,
	}), nil
}

// connSemaphore limits concurrent connections. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

func (s *connSemaphore) tryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
