package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaz8081/blelink/internal/ble"
)

func mustSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte(secret), "")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

func TestDeriveKey(t *testing.T) {
	secret := make([]byte, 32)
	secret[0] = 0x42

	key, err := DeriveKey(secret, nil, "")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	// Same input should produce same output (deterministic)
	key2, err := DeriveKey(secret, nil, DefaultInfo)
	if err != nil {
		t.Fatalf("DeriveKey() second call error = %v", err)
	}
	if !bytes.Equal(key, key2) {
		t.Error("DeriveKey is not deterministic")
	}

	other, err := DeriveKey(secret, nil, "other")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("different info produced the same key")
	}

	if _, err := DeriveKey(nil, nil, ""); err == nil {
		t.Error("DeriveKey() with empty secret should fail")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := mustSealer(t, "correct horse battery staple")
	plaintext := []byte("S$0;")

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	// prefix(2) + nonce(12) + plaintext + tag(16)
	if want := 2 + 12 + len(plaintext) + 16; len(sealed) != want {
		t.Errorf("sealed length = %d, want %d", len(sealed), want)
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s := mustSealer(t, "secret")
	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestOpenWrongSecret(t *testing.T) {
	sealed, err := mustSealer(t, "one").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := mustSealer(t, "two").Open(sealed); err == nil {
		t.Error("Open() with wrong secret should fail")
	}
}

func TestOpenTampered(t *testing.T) {
	s := mustSealer(t, "secret")
	sealed, _ := s.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xFF // tamper
	if _, err := s.Open(sealed); err == nil {
		t.Error("Open() of tampered message should fail")
	}
}

func TestOpenTruncated(t *testing.T) {
	s := mustSealer(t, "secret")
	sealed, _ := s.Seal([]byte("secret"))
	if _, err := s.Open(sealed[:len(sealed)-1]); !errors.Is(err, ErrShortMessage) {
		t.Errorf("Open() error = %v, want ErrShortMessage", err)
	}
	if _, err := s.Open([]byte{0x00}); !errors.Is(err, ErrShortMessage) {
		t.Errorf("Open() error = %v, want ErrShortMessage", err)
	}
}

func TestRequestFrames(t *testing.T) {
	s := mustSealer(t, "secret")
	req, err := s.Request("ffe1", []byte("hello from blelink"), 20)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	for i, f := range req.Frames {
		if len(f) > 20 {
			t.Errorf("frame[%d] len = %d, want <= 20", i, len(f))
		}
	}
	opened, err := s.Open(bytes.Join(req.Frames, nil))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != "hello from blelink" {
		t.Errorf("Open() = %q", opened)
	}
}

func TestResponseFactory(t *testing.T) {
	s := mustSealer(t, "secret")
	decode := s.ResponseFactory()
	sealed, _ := s.Seal([]byte("pong"))

	if _, err := decode(nil, sealed[:10]); !errors.Is(err, ble.ErrIncomplete) {
		t.Errorf("partial reply error = %v, want ErrIncomplete", err)
	}
	got, err := decode(nil, sealed)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if !bytes.Equal(got.([]byte), []byte("pong")) {
		t.Errorf("decode() = %q, want pong", got)
	}
}
