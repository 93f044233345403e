package transform

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestAEADRoundTrip(t *testing.T) {
	pair, err := NewAEADPair(testKey())
	if err != nil {
		t.Fatalf("NewAEADPair: %v", err)
	}

	for _, n := range []int{0, 1, 4096, 40000} {
		plain := bytes.Repeat([]byte{0x5A}, n)
		sealed, err := pair.Outgoing.Apply(plain)
		if err != nil {
			t.Fatalf("Seal %d: %v", n, err)
		}
		if n >= 16 && bytes.Contains(sealed, plain) {
			t.Errorf("Sealed payload of %d bytes contains the plaintext", n)
		}
		got, err := pair.Incoming.Apply(sealed)
		if err != nil {
			t.Fatalf("Open %d: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("Round trip of %d bytes differs", n)
		}
	}
}

func TestOpenerRejectsTampering(t *testing.T) {
	pair, _ := NewAEADPair(testKey())
	sealed, _ := pair.Outgoing.Apply([]byte("frame"))
	sealed[len(sealed)-1] ^= 1

	if _, err := pair.Incoming.Apply(sealed); !errors.Is(err, ErrTransformFailure) {
		t.Errorf("Expected ErrTransformFailure, got %v", err)
	}
	if _, err := pair.Incoming.Apply([]byte{1, 2}); !errors.Is(err, ErrTransformFailure) {
		t.Errorf("Expected ErrTransformFailure for short input, got %v", err)
	}
}

func TestNonceIsRandom(t *testing.T) {
	s, _ := NewSealer(testKey())
	a, _ := s.Apply([]byte("same"))
	b, _ := s.Apply([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("Two seals of the same frame must differ")
	}
}

func TestLoadPair(t *testing.T) {
	dir := t.TempDir()

	pair, err := LoadPair(dir)
	if err != nil {
		t.Fatalf("LoadPair without key: %v", err)
	}
	if _, ok := pair.Outgoing.(Identity); !ok {
		t.Errorf("Expected identity transform, got %T", pair.Outgoing)
	}

	if err := GenerateFrameKey(dir); err != nil {
		t.Fatalf("GenerateFrameKey: %v", err)
	}
	pair, err = LoadPair(dir)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if _, ok := pair.Outgoing.(*Sealer); !ok {
		t.Errorf("Expected sealer, got %T", pair.Outgoing)
	}

	if err := os.WriteFile(filepath.Join(dir, FrameKeyFile), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPair(dir); err == nil {
		t.Error("Expected error for a short key")
	}
}

func TestLoadMaterials(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadMaterials(dir); err == nil {
		t.Fatal("Expected error when files are missing")
	}

	os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte("pub"), 0o600)
	os.WriteFile(filepath.Join(dir, CryptoContextFile), []byte("context"), 0o600)

	m, err := LoadMaterials(dir)
	if err != nil {
		t.Fatalf("LoadMaterials: %v", err)
	}
	if string(m.PublicKey) != "pub" || string(m.CryptoContext) != "context" {
		t.Errorf("Unexpected materials %q %q", m.PublicKey, m.CryptoContext)
	}
}
