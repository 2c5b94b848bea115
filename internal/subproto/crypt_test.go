package subproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestCipherSealOpen(t *testing.T) {
	suites := []struct {
		name  string
		param KeyParams
	}{
		{"aes-gcm-128", KeyParams{Salt: "pepper", Rounds: 500, Suite: CipherAESGCM, Bits: 128}},
		{"aes-gcm-256", KeyParams{Salt: "pepper", Suite: CipherAESGCM, Bits: 256}},
		{"chacha20", KeyParams{Salt: "pepper", Suite: CipherChaCha20, Bits: 256}},
		{"defaults", KeyParams{Salt: "pepper"}},
	}
	for _, tt := range suites {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher("shared secret", tt.param)
			if err != nil {
				t.Fatalf("NewCipher: %v", err)
			}
			plain := []byte("the payload under test")
			sealed := c.Seal(plain)
			if bytes.Contains(sealed, plain) {
				t.Fatal("sealed output contains the plaintext")
			}
			got, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("Open = %q, want %q", got, plain)
			}

			// Two seals of the same payload must differ (fresh nonces).
			if bytes.Equal(sealed, c.Seal(plain)) {
				t.Error("two Seal calls produced identical output")
			}
		})
	}
}

func TestCipherTamperDetection(t *testing.T) {
	c, err := NewCipher("shared secret", KeyParams{Salt: "s"})
	if err != nil {
		t.Fatal(err)
	}
	sealed := c.Seal([]byte("important"))
	sealed[len(sealed)-1] ^= 0x01
	if _, err := c.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open(tampered) err = %v, want ErrDecrypt", err)
	}
	if _, err := c.Open([]byte{1, 2, 3}); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open(short) err = %v, want ErrDecrypt", err)
	}
}

func TestCipherKeyMismatch(t *testing.T) {
	a, _ := NewCipher("secret a", KeyParams{Salt: "s"})
	b, _ := NewCipher("secret b", KeyParams{Salt: "s"})
	if _, err := b.Open(a.Seal([]byte("x"))); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("cross-key Open err = %v, want ErrDecrypt", err)
	}
}

func TestUnknownSuite(t *testing.T) {
	if _, err := NewCipherFromKey(make([]byte, 16), "rot13"); err == nil {
		t.Fatal("NewCipherFromKey accepted an unknown suite")
	}
}

func TestKeyAgreement(t *testing.T) {
	alice, err := NewKeyAgreement()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewKeyAgreement()
	if err != nil {
		t.Fatal(err)
	}

	ka, err := alice.Shared(bob.Public(), "wsrest-frame-key", 3, 32)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := bob.Shared(alice.Public(), "wsrest-frame-key", 3, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ka, kb) {
		t.Fatal("peers derived different keys")
	}

	// Different info strings bind to different keys.
	kc, err := alice.Shared(bob.Public(), "other-context", 3, 32)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ka, kc) {
		t.Fatal("different info produced the same key")
	}

	// The agreed key must drive a working cipher end to end.
	ca, err := NewCipherFromKey(ka, CipherChaCha20)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := NewCipherFromKey(kb, CipherChaCha20)
	if err != nil {
		t.Fatal(err)
	}
	out, err := cb.Open(ca.Seal([]byte("handshake ok")))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "handshake ok" {
		t.Errorf("decrypted = %q", out)
	}
}
