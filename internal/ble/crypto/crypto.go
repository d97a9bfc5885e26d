// Package crypto seals request frames and opens sealed replies for
// peripherals that share a secret with the host: HKDF-SHA256 key derivation
// and AES-256-GCM with a random nonce per message.
//
// A sealed message is a 2 byte big-endian length followed by
// nonce(12) || ciphertext || tag(16), so a reply split over several
// notifications can be reassembled before it is opened.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// DefaultInfo is the HKDF info string used when none is given.
const DefaultInfo = "blelink"

const lengthPrefix = 2

// ErrShortMessage is returned when a sealed message is truncated.
var ErrShortMessage = errors.New("ble/crypto: sealed message too short")

// DeriveKey uses HKDF-SHA256 to derive a 32-byte AES key from the shared secret.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("ble/crypto: empty secret")
	}
	if info == "" {
		info = DefaultInfo
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates messages with one AES-256-GCM key.
// It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from secret and returns a Sealer for it.
func NewSealer(secret []byte, info string) (*Sealer, error) {
	key, err := DeriveKey(secret, nil, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns the length-prefixed sealed form of plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	body := s.aead.NonceSize() + len(plaintext) + s.aead.Overhead()
	if body > math.MaxUint16 {
		return nil, fmt.Errorf("ble/crypto: message of %d bytes too large", len(plaintext))
	}

	out := make([]byte, lengthPrefix+s.aead.NonceSize(), lengthPrefix+body)
	binary.BigEndian.PutUint16(out, uint16(body))
	nonce := out[lengthPrefix:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	// Seal appends ciphertext || tag after the nonce.
	return s.aead.Seal(out, nonce, plaintext, nil), nil
}

// Complete reports whether raw holds at least one whole sealed message.
func (s *Sealer) Complete(raw []byte) bool {
	if len(raw) < lengthPrefix {
		return false
	}
	return len(raw) >= lengthPrefix+int(binary.BigEndian.Uint16(raw))
}

// Open authenticates and decrypts a sealed message. Bytes after the message
// are ignored.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !s.Complete(sealed) {
		return nil, ErrShortMessage
	}
	n := int(binary.BigEndian.Uint16(sealed))
	body := sealed[lengthPrefix : lengthPrefix+n]
	if len(body) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrShortMessage
	}
	nonce, ct := body[:s.aead.NonceSize()], body[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

// Request seals plaintext and builds an acknowledged write split into
// frames of frameSize bytes that waits for a reply on char.
func (s *Sealer) Request(char string, plaintext []byte, frameSize int) (*ble.Request, error) {
	sealed, err := s.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	if frameSize <= 0 {
		frameSize = protocol.DefaultFrameSize
	}
	return ble.NewWriteRequest(char, char, protocol.ChunkBytes(sealed, frameSize)...), nil
}

// ResponseFactory opens sealed replies. It reports ble.ErrIncomplete until
// the whole message has arrived and returns the plaintext as []byte.
func (s *Sealer) ResponseFactory() ble.ResponseFactory {
	return func(_ *ble.Command, raw []byte) (any, error) {
		if !s.Complete(raw) {
			return nil, ble.ErrIncomplete
		}
		return s.Open(raw)
	}
}
