package subproto

import (
	"bytes"
	"io"
	"testing"
	"time"

	"wsrest/internal/frame"
	"wsrest/internal/wire"
)

// captureTransport records sends and replays them for a decoder.
type captureTransport struct {
	buf bytes.Buffer
}

func (c *captureTransport) Poll(time.Duration) (bool, error) { return c.buf.Len() > 0, nil }

func (c *captureTransport) Receive(p []byte) (int, error) {
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *captureTransport) Send(p []byte) error {
	c.buf.Write(p)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func compressible(n int) []byte {
	return bytes.Repeat([]byte("compress me please "), n)
}

func TestCompressionApplied(t *testing.T) {
	p := NewBinary("", BinaryOptions{})
	f := frame.New(frame.OpBinary, compressible(100))
	raw := len(f.Payload)
	if err := p.BeforeSend(f); err != nil {
		t.Fatalf("BeforeSend: %v", err)
	}
	if f.Payload[0] != markerCompressed {
		t.Fatal("large repetitive payload was not compressed")
	}
	if len(f.Payload) >= raw {
		t.Errorf("compressed size %d >= raw size %d", len(f.Payload), raw)
	}
	if err := p.AfterReceive(f); err != nil {
		t.Fatalf("AfterReceive: %v", err)
	}
	if !bytes.Equal(f.Payload, compressible(100)) {
		t.Error("round trip mismatch")
	}
}

func TestCompressionOptOuts(t *testing.T) {
	t.Run("below threshold stays stored", func(t *testing.T) {
		p := NewBinary("", BinaryOptions{})
		f := frame.New(frame.OpBinary, compressible(2)) // < 450 bytes
		if err := p.BeforeSend(f); err != nil {
			t.Fatal(err)
		}
		if f.Payload[0] != markerStored {
			t.Error("small payload was compressed")
		}
	})
	t.Run("already compressed never recompressed", func(t *testing.T) {
		p := NewBinary("", BinaryOptions{})
		f := frame.New(frame.OpBinary, compressible(100))
		f.Flags |= frame.AlreadyCompressed
		if err := p.BeforeSend(f); err != nil {
			t.Fatal(err)
		}
		if f.Payload[0] != markerStored {
			t.Error("AlreadyCompressed payload was recompressed")
		}
	})
	t.Run("loop-back opt-out", func(t *testing.T) {
		opts := BinaryOptions{NoCompressLoopBack: true}
		local := NewBinary("", opts).Clone(NameBinary)
		local.SetLoopBack(true)
		remote := NewBinary("", opts).Clone(NameBinary)

		lf := frame.New(frame.OpBinary, compressible(100))
		if err := local.BeforeSend(lf); err != nil {
			t.Fatal(err)
		}
		if lf.Payload[0] != markerStored {
			t.Error("loop-back connection compressed despite opt-out")
		}

		rf := frame.New(frame.OpBinary, compressible(100))
		if err := remote.BeforeSend(rf); err != nil {
			t.Fatal(err)
		}
		if rf.Payload[0] != markerCompressed {
			t.Error("remote connection skipped compression")
		}
	})
	t.Run("wrap detects compressed media", func(t *testing.T) {
		p := NewBinary("", BinaryOptions{})
		f, err := p.Wrap(&Message{Head: "request", ContentType: "image/png", Content: []byte("....")})
		if err != nil {
			t.Fatal(err)
		}
		if !f.Flags.Has(frame.AlreadyCompressed) {
			t.Error("image content not flagged AlreadyCompressed")
		}
		gz := append([]byte{0x1F, 0x8B, 0x08, 0x00}, compressible(1)...)
		f, err = p.Wrap(&Message{Head: "request", ContentType: "application/octet-stream", Content: gz})
		if err != nil {
			t.Fatal(err)
		}
		if !f.Flags.Has(frame.AlreadyCompressed) {
			t.Error("gzip magic not flagged AlreadyCompressed")
		}
	})
}

func TestEncryptionLoopBackOptOut(t *testing.T) {
	cipher, err := NewCipher("secret", KeyParams{Salt: "salt"})
	if err != nil {
		t.Fatal(err)
	}
	opts := BinaryOptions{Cipher: cipher, NoCryptLoopBack: true, NoCompress: true}

	plain := []byte("observable cleartext body")

	local := NewBinary("", opts).Clone(NameBinary)
	local.SetLoopBack(true)
	lf := frame.New(frame.OpBinary, append([]byte(nil), plain...))
	if err := local.BeforeSend(lf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(lf.Payload, plain) {
		t.Error("loop-back payload was encrypted despite opt-out")
	}

	remote := NewBinary("", opts).Clone(NameBinary)
	rf := frame.New(frame.OpBinary, append([]byte(nil), plain...))
	if err := remote.BeforeSend(rf); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(rf.Payload, plain) {
		t.Error("remote payload left in cleartext")
	}
	if err := remote.AfterReceive(rf); err != nil {
		t.Fatalf("AfterReceive: %v", err)
	}
	if !bytes.Equal(rf.Payload, plain) {
		t.Error("encrypted round trip mismatch")
	}
}

func TestJumboBatchEquivalence(t *testing.T) {
	cipher, err := NewCipher("batch", KeyParams{Salt: "s", Suite: CipherChaCha20, Bits: 256})
	if err != nil {
		t.Fatal(err)
	}
	sender := NewBinary("", BinaryOptions{Cipher: cipher}).Clone(NameBinary).(*Binary)
	receiver := NewBinary("", BinaryOptions{Cipher: cipher}).Clone(NameBinary).(*Binary)

	bodies := []string{"alpha", "bravo", "charlie"}
	var queued []*frame.Frame
	for _, body := range bodies {
		f, err := sender.Wrap(&Message{Head: "r000001", ContentType: "text/plain", Content: []byte(body)})
		if err != nil {
			t.Fatal(err)
		}
		queued = append(queued, f)
	}

	tr := &captureTransport{}
	if err := sender.SendFrames(wire.NewEncoder(tr), queued); err != nil {
		t.Fatalf("SendFrames: %v", err)
	}

	got, err := wire.NewDecoder(tr).Next()
	if err != nil {
		t.Fatalf("decode jumbo: %v", err)
	}
	if err := receiver.AfterReceive(got); err != nil {
		t.Fatalf("AfterReceive: %v", err)
	}
	subs, ok := receiver.Unpack(got)
	if !ok {
		t.Fatal("jumbo frame not recognized by Unpack")
	}
	if len(subs) != len(bodies) {
		t.Fatalf("unpacked %d frames, want %d", len(subs), len(bodies))
	}
	for i, sub := range subs {
		msg, err := receiver.Unwrap(sub)
		if err != nil {
			t.Fatalf("unwrap sub %d: %v", i, err)
		}
		if string(msg.Content) != bodies[i] {
			t.Errorf("sub %d content = %q, want %q (order must be preserved)", i, msg.Content, bodies[i])
		}
	}

	// A single queued frame must not be batched.
	single, _ := sender.Wrap(&Message{Head: "r000002", ContentType: "text/plain", Content: []byte("solo")})
	tr2 := &captureTransport{}
	if err := sender.SendFrames(wire.NewEncoder(tr2), []*frame.Frame{single}); err != nil {
		t.Fatal(err)
	}
	got2, err := wire.NewDecoder(tr2).Next()
	if err != nil {
		t.Fatal(err)
	}
	if err := receiver.AfterReceive(got2); err != nil {
		t.Fatal(err)
	}
	if _, ok := receiver.Unpack(got2); ok {
		t.Error("single frame was wrapped as jumbo")
	}
}

func TestSocketCountersDiffer(t *testing.T) {
	cipher, err := NewCipher("k", KeyParams{Salt: "s"})
	if err != nil {
		t.Fatal(err)
	}
	p := NewBinary("", BinaryOptions{Cipher: cipher}).Clone(NameBinary).(*Binary)
	f := frame.New(frame.OpBinary, compressible(100))
	if err := p.BeforeSend(f); err != nil {
		t.Fatal(err)
	}
	st := p.Stats()
	if st.BytesOut.Load() == st.BytesOutSocket.Load() {
		t.Errorf("BytesOut %d == BytesOutSocket %d; compression/encryption invisible",
			st.BytesOut.Load(), st.BytesOutSocket.Load())
	}
}

func TestUnpackMalformed(t *testing.T) {
	// A declared sub-frame count larger than the remaining bytes must be
	// rejected outright; every received length is hostile until proven.
	var huge bytes.Buffer
	huge.WriteString(headJumbo)
	huge.WriteByte(0x01)
	putUvarint(&huge, 1<<62)

	p := NewBinary("", BinaryOptions{}).Clone(NameBinary).(*Binary)
	tests := []struct {
		name    string
		payload []byte
	}{
		{"count exceeds payload", huge.Bytes()},
		{"truncated count", []byte(headJumbo + "\x01")},
		{"truncated sub-frame", []byte(headJumbo + "\x01\x02\x05abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := p.Unpack(frame.New(frame.OpBinary, tt.payload)); ok {
				t.Error("Unpack accepted malformed jumbo payload")
			}
		})
	}
}

func TestUnwrapMalformed(t *testing.T) {
	p := NewBinary("", BinaryOptions{})
	tests := []struct {
		name    string
		payload []byte
	}{
		{"no separator", []byte("justahead")},
		{"truncated count", []byte("head\x01")},
		{"truncated value", []byte("head\x01\x02\x05ab")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Unwrap(frame.New(frame.OpBinary, tt.payload)); err == nil {
				t.Error("Unwrap succeeded on malformed payload")
			}
		})
	}
}
