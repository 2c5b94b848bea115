package subproto

import (
	"bytes"
	"testing"

	"wsrest/internal/frame"
)

// roundTripCases pair content types with representative bodies, per the
// inline/text/base64 encoding rules.
var roundTripCases = []struct {
	name        string
	contentType string
	content     []byte
}{
	{"empty", "", nil},
	{"json object", "application/json", []byte(`{"a":1,"b":["x","y"]}`)},
	{"text ascii", "text/plain", []byte("plain ascii body")},
	{"text utf8", "text/plain", []byte("héllo wörld ✓")},
	{"binary", "application/octet-stream", []byte{0x00, 0x01, 0xFE, 0xFF, 0x80}},
	{"binary large", "application/octet-stream", bytes.Repeat([]byte{0xAB, 0x00, 0x7F}, 300)},
}

func protocols(t *testing.T) map[string]Protocol {
	t.Helper()
	return map[string]Protocol{
		"json":   NewJSON(""),
		"binary": NewBinary("", BinaryOptions{}),
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	for pname, p := range protocols(t) {
		for _, tc := range roundTripCases {
			t.Run(pname+"/"+tc.name, func(t *testing.T) {
				in := &Message{
					Head:        "request",
					Values:      []string{"GET", "/api/items", "accept: */*"},
					ContentType: tc.contentType,
					Content:     tc.content,
				}
				f, err := p.Wrap(in)
				if err != nil {
					t.Fatalf("wrap: %v", err)
				}
				out, err := p.Unwrap(f)
				if err != nil {
					t.Fatalf("unwrap: %v", err)
				}
				if out.Head != in.Head {
					t.Errorf("head = %q, want %q", out.Head, in.Head)
				}
				if len(out.Values) != len(in.Values) {
					t.Fatalf("values = %v, want %v", out.Values, in.Values)
				}
				for i := range in.Values {
					if out.Values[i] != in.Values[i] {
						t.Errorf("value[%d] = %q, want %q", i, out.Values[i], in.Values[i])
					}
				}
				if out.ContentType != in.ContentType {
					t.Errorf("contentType = %q, want %q", out.ContentType, in.ContentType)
				}
				if !bytes.Equal(out.Content, in.Content) {
					t.Errorf("content = %q, want %q", out.Content, in.Content)
				}
			})
		}
	}
}

func TestFrameTypeProbe(t *testing.T) {
	for pname, p := range protocols(t) {
		t.Run(pname, func(t *testing.T) {
			f, err := p.Wrap(&Message{Head: "a00002a", ContentType: "text/plain", Content: []byte("ok")})
			if err != nil {
				t.Fatalf("wrap: %v", err)
			}
			if got := p.FrameType(f); got != "a00002a" {
				t.Errorf("FrameType = %q, want %q", got, "a00002a")
			}
			if _, ok := p.FrameData(f, "a00002a"); !ok {
				t.Error("FrameData(matching head) = !ok")
			}
			if _, ok := p.FrameData(f, "request"); ok {
				t.Error("FrameData(wrong head) = ok")
			}
			if got := p.FrameType(frame.New(frame.OpPing, nil)); got != "" {
				t.Errorf("FrameType(ping) = %q, want empty", got)
			}
		})
	}
}

func TestHeadClassification(t *testing.T) {
	tests := []struct {
		head      string
		isRequest bool
		isAnswer  bool
	}{
		{"request", true, false},
		{"answer", false, true},
		{"r000001", true, false},
		{"a000001", false, true},
		{"rzzzzzz", false, false},
		{"r00001", false, false},
		{"r0000010", false, false},
		{"frames", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsRequestHead(tt.head); got != tt.isRequest {
			t.Errorf("IsRequestHead(%q) = %v, want %v", tt.head, got, tt.isRequest)
		}
		if got := IsAnswerHead(tt.head); got != tt.isAnswer {
			t.Errorf("IsAnswerHead(%q) = %v, want %v", tt.head, got, tt.isAnswer)
		}
	}
}

func TestAnswerHeadFor(t *testing.T) {
	if got := AnswerHeadFor("request"); got != "answer" {
		t.Errorf(`AnswerHeadFor("request") = %q, want "answer"`, got)
	}
	if got := AnswerHeadFor("r00000f"); got != "a00000f" {
		t.Errorf(`AnswerHeadFor("r00000f") = %q, want "a00000f"`, got)
	}
}

func TestSequencingHeads(t *testing.T) {
	modern := NewBinary("", BinaryOptions{}).Clone(NameBinary)
	if !modern.Sequencing() {
		t.Fatal("modern alias should enable sequencing")
	}
	if got := modern.NextRequestHead(); got != "r000001" {
		t.Errorf("first head = %q, want r000001", got)
	}
	if got := modern.NextRequestHead(); got != "r000002" {
		t.Errorf("second head = %q, want r000002", got)
	}

	legacy := NewBinary("", BinaryOptions{}).Clone(NameBinaryLegacy)
	if legacy.Sequencing() {
		t.Fatal("legacy alias should disable sequencing")
	}
	if got := legacy.NextRequestHead(); got != "request" {
		t.Errorf("legacy head = %q, want request", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if !r.Register(NewJSON("")) {
		t.Fatal("first Register = false")
	}
	if r.Register(NewJSON("")) {
		t.Fatal("duplicate Register = true")
	}
	if !r.Register(NewJSON("/chat")) {
		t.Fatal("same name, different scope rejected")
	}
	r.RegisterOrReplace(NewBinary("", BinaryOptions{}))

	t.Run("clone by name", func(t *testing.T) {
		p := r.CloneByName(NameJSON, "/anything")
		if p == nil {
			t.Fatal("CloneByName(json) = nil")
		}
		if p.Name() != NameJSON {
			t.Errorf("name = %q", p.Name())
		}
	})
	t.Run("alias negotiation", func(t *testing.T) {
		p := r.CloneByName(NameBinaryLegacy, "")
		if p == nil {
			t.Fatal("CloneByName(legacy alias) = nil")
		}
		if p.Sequencing() {
			t.Error("legacy clone has sequencing enabled")
		}
	})
	t.Run("unknown name fails", func(t *testing.T) {
		if p := r.CloneByName("nonsense", ""); p != nil {
			t.Fatalf("CloneByName(unknown) = %v, want nil", p)
		}
	})
	t.Run("scope restriction", func(t *testing.T) {
		scoped := NewBinary("/admin", BinaryOptions{})
		if !r.Register(scoped) {
			t.Fatal("scoped Register = false")
		}
		if p := r.CloneByName(NameBinary, "/admin/"); p == nil {
			t.Error("scoped clone with matching URI = nil")
		}
	})
	t.Run("clones are independent", func(t *testing.T) {
		a := r.CloneByName(NameBinary, "")
		b := r.CloneByName(NameBinary, "")
		a.NextRequestHead()
		if got := b.NextRequestHead(); got != "r000001" {
			t.Errorf("second clone's first head = %q, want r000001 (state leaked)", got)
		}
	})
}
