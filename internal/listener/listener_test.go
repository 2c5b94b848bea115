package listener

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"wsrest/internal/subproto"
)

func TestConnSemaphore(t *testing.T) {
	ctx := context.Background()

	t.Run("unlimited", func(t *testing.T) {
		s := newConnSemaphore(0)
		for range 100 {
			if !s.tryAcquire(ctx) {
				t.Fatal("unlimited semaphore should always acquire")
			}
		}
		s.release() // no-op
	})

	t.Run("limited", func(t *testing.T) {
		s := newConnSemaphore(2)
		if !s.tryAcquire(ctx) || !s.tryAcquire(ctx) {
			t.Fatal("should acquire up to the limit")
		}
		if s.tryAcquire(ctx) {
			t.Fatal("should fail past the limit")
		}
		s.release()
		if !s.tryAcquire(ctx) {
			t.Fatal("should acquire again after release")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := newConnSemaphore(1)
		// A full semaphore with a cancelled context must not block.
		if !s.tryAcquire(cctx) {
			t.Fatal("first acquire should succeed")
		}
		if s.tryAcquire(cctx) {
			t.Fatal("second acquire should fail")
		}
	})
}

func TestServeRejectsPlainHTTP(t *testing.T) {
	reg := subproto.NewRegistry()
	reg.Register(subproto.NewJSON(""))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, ln, Config{Registry: reg})
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	}()

	var resp *http.Response
	for range 20 {
		resp, err = http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d for a request without an Upgrade header",
			resp.StatusCode, http.StatusBadRequest)
	}
}
