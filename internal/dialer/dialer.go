// Package dialer implements the connecting side: it opens a TCP
// connection, performs the WebSocket upgrade offering the registry's
// sub-protocol names, and returns a ready connection engine.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"

	"wsrest/internal/engine"
	"wsrest/internal/metrics"
	"wsrest/internal/subproto"
	"wsrest/internal/transport"
)

// Config holds dialer configuration.
type Config struct {
	// URL is the ws:// endpoint to connect to.
	URL string

	Registry *subproto.Registry

	// Handler processes requests the peer pushes to us. Optional.
	Handler engine.Handler

	DialTimeout  time.Duration // 0 = 30s
	Heartbeat    time.Duration // 0 = disabled on the connecting side
	MaxFrameSize int64

	AnswerTimeout  time.Duration
	AcquireTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	OnConnect    func(*engine.Engine)
	OnDisconnect func(*engine.Engine)
}

const defaultDialTimeout = 30 * time.Second

// Dial connects, upgrades, and negotiates. The returned engine is still
// in the created state; the caller owns its process loop and must call
// Run (typically on a dedicated goroutine) before issuing Notify calls.
func Dial(ctx context.Context, cfg Config) (*engine.Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" {
		return nil, errors.New("dialer: only ws:// endpoints are supported")
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(host, "80")
	}

	d := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		cfg.Metrics.ConnectionError(metrics.ReasonTransport)
		return nil, err
	}

	offered := cfg.Registry.Names(u.Path)
	name, err := transport.Upgrade(conn, u.Host, u.Path, offered)
	if err != nil {
		conn.Close()
		cfg.Metrics.ConnectionError(metrics.ReasonHandshake)
		return nil, err
	}
	proto := cfg.Registry.CloneByName(name, u.Path)
	if proto == nil {
		conn.Close()
		return nil, errors.New("dialer: negotiated protocol not registered")
	}
	cfg.Logger.Debug("negotiated sub-protocol", "name", name, "url", cfg.URL)

	return engine.New(engine.Config{
		Protocol:          proto,
		Transport:         transport.NewConn(conn),
		Handler:           cfg.Handler,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		Mask:              true, // connection-initiating side masks, per RFC 6455
		MaxFrameSize:      cfg.MaxFrameSize,
		HeartbeatInterval: cfg.Heartbeat,
		AnswerTimeout:     cfg.AnswerTimeout,
		AcquireTimeout:    cfg.AcquireTimeout,
		OnConnect:         cfg.OnConnect,
		OnDisconnect:      cfg.OnDisconnect,
	}), nil
}
