package subproto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// CipherSuite selects the authenticated cipher used by the frame codec.
type CipherSuite string

const (
	CipherAESGCM   CipherSuite = "aes-gcm"
	CipherChaCha20 CipherSuite = "chacha20-poly1305"
)

// ErrDecrypt is returned when an inbound payload fails authentication.
// It may indicate tampering, so it is surfaced as a hard failure rather
// than silently dropped.
var ErrDecrypt = errors.New("subproto: payload decryption failed")

// KeyParams are the key-derivation parameters for the symmetric cipher.
type KeyParams struct {
	Salt   string
	Rounds int         // PBKDF2 iteration count; 0 means 1000
	Suite  CipherSuite // empty means CipherAESGCM
	Bits   int         // key size in bits; 0 means 128 (AES) / 256 (ChaCha20)
}

func (p KeyParams) rounds() int {
	if p.Rounds <= 0 {
		return 1000
	}
	return p.Rounds
}

func (p KeyParams) suite() CipherSuite {
	if p.Suite == "" {
		return CipherAESGCM
	}
	return p.Suite
}

func (p KeyParams) keyBytes() int {
	if p.Bits > 0 {
		return p.Bits / 8
	}
	if p.suite() == CipherChaCha20 {
		return chacha20poly1305.KeySize
	}
	return 16
}

// Cipher is the authenticated-cipher codec applied to frame payloads.
// Each sealed payload is prefixed with a fresh random nonce.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from the shared secret using PBKDF2-SHA256 and
// the given parameters, and returns the ready codec.
func NewCipher(secret string, params KeyParams) (*Cipher, error) {
	key := pbkdf2.Key([]byte(secret), []byte(params.Salt), params.rounds(), params.keyBytes(), sha256.New)
	return NewCipherFromKey(key, params.suite())
}

// NewCipherFromKey builds the codec around an already-derived key.
func NewCipherFromKey(key []byte, suite CipherSuite) (*Cipher, error) {
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case CipherChaCha20:
		aead, err = chacha20poly1305.New(key)
	case CipherAESGCM, "":
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, fmt.Errorf("subproto: unknown cipher suite %q", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("subproto: cipher setup: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts and authenticates plain, returning nonce||ciphertext.
func (c *Cipher) Seal(plain []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	_, _ = rand.Read(nonce)
	return c.aead.Seal(nonce, nonce, plain, nil)
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("%w: short payload", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// KeyAgreement performs an ephemeral X25519 exchange producing the
// symmetric frame key, so two peers can negotiate encryption without a
// pre-shared secret.
type KeyAgreement struct {
	priv [32]byte
	pub  []byte
}

// NewKeyAgreement generates an ephemeral key pair.
func NewKeyAgreement() (*KeyAgreement, error) {
	ka := &KeyAgreement{}
	if _, err := rand.Read(ka.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(ka.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	ka.pub = pub
	return ka, nil
}

// Public returns the key to advertise to the peer.
func (ka *KeyAgreement) Public() []byte { return ka.pub }

// Shared computes the symmetric key from the peer's public key. The info
// string binds the key to an application context (it stands in for the
// exchange's authentication mode) and rounds chains that many HKDF
// expansions.
func (ka *KeyAgreement) Shared(peerPublic []byte, info string, rounds, keyBytes int) ([]byte, error) {
	secret, err := curve25519.X25519(ka.priv[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("subproto: key agreement: %w", err)
	}
	if rounds <= 0 {
		rounds = 1
	}
	if keyBytes <= 0 {
		keyBytes = 32
	}
	key := secret
	for range rounds {
		out := make([]byte, keyBytes)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
			return nil, err
		}
		key = out
	}
	return key, nil
}
