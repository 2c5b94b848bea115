package subproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"wsrest/internal/frame"
	"wsrest/internal/wire"
)

// NameJSON is the negotiable name of the plain-JSON sub-protocol.
const NameJSON = "synopsejson"

// JSON wraps messages as one-key JSON objects carried in text frames:
//
//	{"<head>":[<values...>,"<contentType>",<content>]}
//
// The content is inlined as raw JSON when its content type is JSON or
// empty, as an escaped string for text/* types, and base64-encoded
// otherwise. JSON frames travel in cleartext.
type JSON struct {
	base
}

// NewJSON returns the registrable JSON protocol, optionally restricted
// to a URI scope.
func NewJSON(uri string) *JSON {
	return &JSON{base: base{name: NameJSON, uri: uri}}
}

func (p *JSON) Names() []string { return []string{NameJSON} }

func (p *JSON) accepts(name string) bool { return name == NameJSON }

func (p *JSON) Clone(name string) Protocol {
	if !p.accepts(name) {
		return nil
	}
	return NewJSON(p.uri)
}

func (p *JSON) Wrap(msg *Message) (*frame.Frame, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	if err := writeJSON(&b, msg.Head); err != nil {
		return nil, err
	}
	b.WriteString(":[")
	for _, v := range msg.Values {
		if err := writeJSON(&b, v); err != nil {
			return nil, err
		}
		b.WriteByte(',')
	}
	if err := writeJSON(&b, msg.ContentType); err != nil {
		return nil, err
	}
	b.WriteByte(',')
	switch {
	case len(msg.Content) == 0:
		b.WriteString("null")
	case isJSONType(msg.ContentType):
		b.Write(msg.Content)
	case strings.HasPrefix(msg.ContentType, "text/"):
		if err := writeJSON(&b, string(msg.Content)); err != nil {
			return nil, err
		}
	default:
		if err := writeJSON(&b, base64.StdEncoding.EncodeToString(msg.Content)); err != nil {
			return nil, err
		}
	}
	b.WriteString("]}")
	return frame.New(frame.OpText, b.Bytes()), nil
}

func (p *JSON) Unwrap(f *frame.Frame) (*Message, error) {
	head, arr, err := splitEnvelope(f.Payload)
	if err != nil {
		return nil, err
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("%w: array too short", ErrMalformed)
	}

	msg := &Message{Head: head}
	for _, raw := range arr[:len(arr)-2] {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrMalformed, err)
		}
		msg.Values = append(msg.Values, v)
	}
	if err := json.Unmarshal(arr[len(arr)-2], &msg.ContentType); err != nil {
		return nil, fmt.Errorf("%w: content type: %v", ErrMalformed, err)
	}

	raw := arr[len(arr)-1]
	switch {
	case bytes.Equal(raw, []byte("null")):
		msg.Content = nil
	case isJSONType(msg.ContentType):
		msg.Content = append([]byte(nil), raw...)
	case strings.HasPrefix(msg.ContentType, "text/"):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: text content: %v", ErrMalformed, err)
		}
		msg.Content = []byte(s)
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: binary content: %v", ErrMalformed, err)
		}
		msg.Content, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 content: %v", ErrMalformed, err)
		}
	}
	return msg, nil
}

func (p *JSON) FrameType(f *frame.Frame) string {
	if f.Opcode != frame.OpText {
		return ""
	}
	head, _, err := splitEnvelope(f.Payload)
	if err != nil {
		return ""
	}
	return head
}

func (p *JSON) FrameData(f *frame.Frame, head string) ([]byte, bool) {
	got, arr, err := splitEnvelope(f.Payload)
	if err != nil || got != head || len(arr) == 0 {
		return nil, false
	}
	return arr[len(arr)-1], true
}

func (p *JSON) BeforeSend(f *frame.Frame) error {
	p.stats.FramesOut.Add(1)
	p.stats.BytesOut.Add(int64(len(f.Payload)))
	return nil
}

func (p *JSON) AfterReceive(f *frame.Frame) error {
	p.stats.FramesIn.Add(1)
	p.stats.BytesIn.Add(int64(len(f.Payload)))
	return nil
}

// SendFrames writes each queued frame individually; the JSON protocol
// has no jumbo batching.
func (p *JSON) SendFrames(enc *wire.Encoder, frames []*frame.Frame) error {
	for _, f := range frames {
		if err := p.BeforeSend(f); err != nil {
			return err
		}
		if err := enc.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *JSON) Unpack(*frame.Frame) ([]*frame.Frame, bool) { return nil, false }

// splitEnvelope parses {"head":[...]} and returns the head plus the raw
// array elements.
func splitEnvelope(payload []byte) (string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return "", nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	tok, err = dec.Token()
	if err != nil {
		return "", nil, fmt.Errorf("%w: missing head", ErrMalformed)
	}
	head, ok := tok.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: head is not a string", ErrMalformed)
	}
	var arr []json.RawMessage
	if err := dec.Decode(&arr); err != nil {
		return "", nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	return head, arr, nil
}

func writeJSON(b *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Write(data)
	return nil
}

func isJSONType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	return ct == "application/json" || strings.HasSuffix(ct, "+json") ||
		strings.HasPrefix(ct, "application/json;")
}
