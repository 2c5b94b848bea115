package subproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"wsrest/internal/frame"
	"wsrest/internal/wire"
)

// Binary sub-protocol names. The modern alias additionally enables
// request/answer sequencing; the legacy alias keeps the literal
// request/answer heads.
const (
	NameBinary       = "synopsebin"
	NameBinaryLegacy = "synopsebinary"
)

// Binary wraps messages as length-prefixed binary records carried in
// binary frames:
//
//	<head> 0x01 uvarint(valueCount) { uvarint(len) value }...
//	uvarint(len) contentType content
//
// BeforeSend prefixes the record with a stored/compressed marker byte
// (compressing with s2 above the threshold) and then seals it with the
// configured cipher; AfterReceive reverses both. Several queued frames
// can be coalesced into one jumbo frame with head "frames".
type Binary struct {
	base
	opts BinaryOptions
}

// BinaryOptions tune the binary protocol. The zero value enables
// compression at the default threshold with no encryption.
type BinaryOptions struct {
	// Cipher encrypts frame payloads after compression. Nil = cleartext.
	Cipher *Cipher

	// CompressThreshold is the minimum payload size worth compressing.
	// Zero means DefaultCompressThreshold.
	CompressThreshold int

	// NoCompress disables compression entirely.
	NoCompress bool

	// NoCompressLoopBack skips compression on same-host connections.
	NoCompressLoopBack bool

	// NoCryptLoopBack skips encryption on same-host connections.
	NoCryptLoopBack bool
}

// NewBinary returns the registrable binary protocol, optionally
// restricted to a URI scope.
func NewBinary(uri string, opts BinaryOptions) *Binary {
	return &Binary{
		base: base{
			name:            NameBinary,
			uri:             uri,
			sequencing:      true,
			cipher:          opts.Cipher,
			noCryptLoopBack: opts.NoCryptLoopBack,
		},
		opts: opts,
	}
}

func (p *Binary) Names() []string {
	return []string{NameBinary, NameBinaryLegacy}
}

func (p *Binary) accepts(name string) bool {
	return name == NameBinary || name == NameBinaryLegacy
}

func (p *Binary) Clone(name string) Protocol {
	if !p.accepts(name) {
		return nil
	}
	c := NewBinary(p.uri, p.opts)
	c.name = name
	c.sequencing = name == NameBinary
	return c
}

func (p *Binary) Wrap(msg *Message) (*frame.Frame, error) {
	if strings.ContainsRune(msg.Head, 0x01) {
		return nil, fmt.Errorf("%w: head contains separator", ErrMalformed)
	}
	var b bytes.Buffer
	b.WriteString(msg.Head)
	b.WriteByte(0x01)
	putUvarint(&b, uint64(len(msg.Values)))
	for _, v := range msg.Values {
		putUvarint(&b, uint64(len(v)))
		b.WriteString(v)
	}
	putUvarint(&b, uint64(len(msg.ContentType)))
	b.WriteString(msg.ContentType)
	b.Write(msg.Content)

	f := frame.New(frame.OpBinary, b.Bytes())
	if isCompressedContent(msg.ContentType, msg.Content) {
		f.Flags |= frame.AlreadyCompressed
	}
	return f, nil
}

func (p *Binary) Unwrap(f *frame.Frame) (*Message, error) {
	head, rest, ok := splitRecord(f.Payload)
	if !ok {
		return nil, fmt.Errorf("%w: missing head separator", ErrUnknownHead)
	}
	msg := &Message{Head: head}

	count, rest, ok := readUvarint(rest)
	if !ok {
		return nil, fmt.Errorf("%w: value count", ErrMalformed)
	}
	for range count {
		var v []byte
		v, rest, ok = readField(rest)
		if !ok {
			return nil, fmt.Errorf("%w: truncated value", ErrMalformed)
		}
		msg.Values = append(msg.Values, string(v))
	}
	ct, rest, ok := readField(rest)
	if !ok {
		return nil, fmt.Errorf("%w: truncated content type", ErrMalformed)
	}
	msg.ContentType = string(ct)
	if len(rest) > 0 {
		msg.Content = append([]byte(nil), rest...)
	}
	return msg, nil
}

func (p *Binary) FrameType(f *frame.Frame) string {
	if f.Opcode != frame.OpBinary {
		return ""
	}
	head, _, ok := splitRecord(f.Payload)
	if !ok {
		return ""
	}
	return head
}

func (p *Binary) FrameData(f *frame.Frame, head string) ([]byte, bool) {
	got, rest, ok := splitRecord(f.Payload)
	if !ok || got != head {
		return nil, false
	}
	return rest, true
}

func (p *Binary) BeforeSend(f *frame.Frame) error {
	p.stats.FramesOut.Add(1)
	p.stats.BytesOut.Add(int64(len(f.Payload)))

	skip := p.opts.NoCompress ||
		f.Flags.Has(frame.AlreadyCompressed) ||
		(p.opts.NoCompressLoopBack && p.loopBack.Load())
	f.Payload = deflate(f.Payload, p.opts.CompressThreshold, skip)

	if p.cryptEnabled() {
		f.Payload = p.cipher.Seal(f.Payload)
	}
	p.stats.BytesOutSocket.Add(int64(len(f.Payload)))
	return nil
}

func (p *Binary) AfterReceive(f *frame.Frame) error {
	p.stats.BytesInSocket.Add(int64(len(f.Payload)))

	payload := f.Payload
	if p.cryptEnabled() {
		var err error
		if payload, err = p.cipher.Open(payload); err != nil {
			return err
		}
	}
	payload, err := inflate(payload)
	if err != nil {
		return err
	}
	f.Payload = payload

	p.stats.FramesIn.Add(1)
	p.stats.BytesIn.Add(int64(len(payload)))
	return nil
}

// SendFrames flushes queued frames. A single frame goes out as-is; more
// than one are merged into a jumbo frame so header, compression, and
// encryption overhead is paid once for the whole burst.
func (p *Binary) SendFrames(enc *wire.Encoder, frames []*frame.Frame) error {
	switch len(frames) {
	case 0:
		return nil
	case 1:
		if err := p.BeforeSend(frames[0]); err != nil {
			return err
		}
		return enc.Send(frames[0])
	}

	var b bytes.Buffer
	b.WriteString(headJumbo)
	b.WriteByte(0x01)
	putUvarint(&b, uint64(len(frames)))
	for _, f := range frames {
		putUvarint(&b, uint64(len(f.Payload)))
		b.Write(f.Payload)
	}
	jumbo := frame.New(frame.OpBinary, b.Bytes())
	if err := p.BeforeSend(jumbo); err != nil {
		return err
	}
	return enc.Send(jumbo)
}

// Unpack splits a received jumbo frame back into its logical frames, in
// order. ok is false for ordinary frames.
func (p *Binary) Unpack(f *frame.Frame) ([]*frame.Frame, bool) {
	if f.Opcode != frame.OpBinary {
		return nil, false
	}
	head, rest, found := splitRecord(f.Payload)
	if !found || head != headJumbo {
		return nil, false
	}
	count, rest, found := readUvarint(rest)
	if !found || count > uint64(len(rest)) {
		// Each sub-frame costs at least one length byte, so a count beyond
		// the remaining bytes is malformed. Checked before allocating.
		return nil, false
	}
	subs := make([]*frame.Frame, 0, count)
	for range count {
		var sub []byte
		sub, rest, found = readField(rest)
		if !found {
			return nil, false
		}
		subs = append(subs, frame.New(frame.OpBinary, append([]byte(nil), sub...)).Stamp())
	}
	return subs, true
}

func splitRecord(payload []byte) (head string, rest []byte, ok bool) {
	i := bytes.IndexByte(payload, 0x01)
	if i < 0 {
		return "", nil, false
	}
	return string(payload[:i]), payload[i+1:], true
}

func putUvarint(b *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	b.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readUvarint(p []byte) (uint64, []byte, bool) {
	v, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, nil, false
	}
	return v, p[n:], true
}

func readField(p []byte) ([]byte, []byte, bool) {
	n, rest, ok := readUvarint(p)
	if !ok || uint64(len(rest)) < n {
		return nil, nil, false
	}
	return rest[:n], rest[n:], true
}

// isCompressedContent reports whether the body is already compressed
// data, by content type or by magic bytes, so recompressing it would be
// wasted work.
func isCompressedContent(ct string, content []byte) bool {
	ct = strings.ToLower(ct)
	switch {
	case strings.HasSuffix(ct, "zip"), strings.HasSuffix(ct, "gzip"),
		strings.HasSuffix(ct, "zstd"), strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return true
	}
	if len(content) < 4 {
		return false
	}
	switch {
	case content[0] == 0x1F && content[1] == 0x8B: // gzip
		return true
	case content[0] == 'P' && content[1] == 'K' && content[2] <= 0x08: // zip
		return true
	case content[0] == 0x28 && content[1] == 0xB5 && content[2] == 0x2F && content[3] == 0xFD: // zstd
		return true
	}
	return false
}
