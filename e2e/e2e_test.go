// Package e2e contains end-to-end tests that exercise the full stack
// over real TCP sockets: the HTTP upgrade handshake, sub-protocol
// negotiation, the frame codec, and the request/answer engines on both
// sides. Everything runs in-process on loopback listeners.
package e2e

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"wsrest/internal/dialer"
	"wsrest/internal/engine"
	"wsrest/internal/frame"
	"wsrest/internal/listener"
	"wsrest/internal/subproto"
	"wsrest/internal/transport"
	"wsrest/internal/wire"
)

func newRegistry(t *testing.T, opts subproto.BinaryOptions) *subproto.Registry {
	t.Helper()
	reg := subproto.NewRegistry()
	// Binary first so negotiation prefers the compressed encoding.
	if !reg.Register(subproto.NewBinary("", opts)) {
		t.Fatal("failed to register binary protocol")
	}
	if !reg.Register(subproto.NewJSON("")) {
		t.Fatal("failed to register json protocol")
	}
	return reg
}

// startServer runs a listener on a random loopback port and returns its
// ws:// URL.
func startServer(t *testing.T, cfg listener.Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Serve(ctx, ln, cfg)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return "ws://" + ln.Addr().String() + "/"
}

func TestCallOverTCP(t *testing.T) {
	cipherKey := func() *subproto.Cipher {
		c, err := subproto.NewCipher("e2e secret", subproto.KeyParams{Salt: "salt", Bits: 128})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	url := startServer(t, listener.Config{
		Registry: newRegistry(t, subproto.BinaryOptions{Cipher: cipherKey()}),
		Handler: func(req *engine.Request) *engine.Response {
			return &engine.Response{
				Status:      200,
				ContentType: req.ContentType,
				Body:        append([]byte("echo:"), req.Body...),
			}
		},
	})

	eng, err := dialer.Dial(context.Background(), dialer.Config{
		URL:           url,
		Registry:      newRegistry(t, subproto.BinaryOptions{Cipher: cipherKey()}),
		AnswerTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(context.Background())
	}()
	defer func() {
		eng.Shutdown()
		<-runDone
	}()

	if got := eng.Protocol().Name(); got != subproto.NameBinary {
		t.Fatalf("negotiated %q, want %q", got, subproto.NameBinary)
	}

	resp, err := eng.Notify(&engine.Request{
		Method:      "greet",
		ContentType: "text/plain",
		Body:        []byte("hello"),
	}, engine.SendAndWait)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "echo:hello" {
		t.Fatalf("got status %d body %q", resp.Status, resp.Body)
	}
}

func TestJSONNegotiation(t *testing.T) {
	url := startServer(t, listener.Config{
		Registry: newRegistry(t, subproto.BinaryOptions{}),
		Handler: func(req *engine.Request) *engine.Response {
			return &engine.Response{Status: 200, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
		},
	})

	// Offering only the JSON name forces the text encoding.
	clientReg := subproto.NewRegistry()
	clientReg.Register(subproto.NewJSON(""))

	eng, err := dialer.Dial(context.Background(), dialer.Config{
		URL:           url,
		Registry:      clientReg,
		AnswerTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(context.Background())
	}()
	defer func() {
		eng.Shutdown()
		<-runDone
	}()

	if got := eng.Protocol().Name(); got != subproto.NameJSON {
		t.Fatalf("negotiated %q, want %q", got, subproto.NameJSON)
	}
	resp, err := eng.Notify(&engine.Request{Method: "status"}, engine.SendAndWait)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("got status %d body %q", resp.Status, resp.Body)
	}
}

func TestUnknownSubProtocolRejected(t *testing.T) {
	url := startServer(t, listener.Config{
		Registry: newRegistry(t, subproto.BinaryOptions{}),
	})

	addr := strings.TrimSuffix(strings.TrimPrefix(url, "ws://"), "/")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := transport.Upgrade(conn, addr, "/", []string{"nonsense"}); err == nil {
		t.Fatal("upgrade with an unknown sub-protocol should fail")
	}
}

// TestFrameInterop runs the frame codec against an independent WebSocket
// implementation to confirm the wire format is RFC 6455 compatible in
// both directions.
func TestFrameInterop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ws.SetReadLimit(-1)
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			if err := ws.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := transport.Upgrade(conn, addr, "/", nil); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	tr := transport.NewConn(conn)
	enc := wire.NewEncoder(tr)
	enc.Mask = true
	dec := wire.NewDecoder(tr)

	payloads := [][]byte{
		[]byte("interop"),
		make([]byte, 300),   // forces the 16-bit length header
		make([]byte, 70000), // forces the 64-bit length header
	}
	for _, p := range payloads {
		if err := enc.Send(frame.New(frame.OpBinary, p)); err != nil {
			t.Fatalf("send: %v", err)
		}
		echo, err := dec.Next()
		if err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if echo.Opcode != frame.OpBinary || len(echo.Payload) != len(p) {
			t.Fatalf("echo opcode %v size %d, want binary size %d", echo.Opcode, len(echo.Payload), len(p))
		}
	}

	if err := enc.Send(frame.New(frame.OpClose, nil)); err != nil {
		t.Fatalf("send close: %v", err)
	}
}
