package transform

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"relay-call/internal/handshake"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	PublicKeyFile     = "key_pub.bin"
	CryptoContextFile = "crypto_context.bin"
	FrameKeyFile      = "frame.key"
)

// LoadMaterials reads the public handshake materials from dir.
func LoadMaterials(dir string) (handshake.Materials, error) {
	pub, err := os.ReadFile(filepath.Join(dir, PublicKeyFile))
	if err != nil {
		return handshake.Materials{}, fmt.Errorf("read public key: %w", err)
	}
	cctx, err := os.ReadFile(filepath.Join(dir, CryptoContextFile))
	if err != nil {
		return handshake.Materials{}, fmt.Errorf("read crypto context: %w", err)
	}
	log.Debug().
		Int("public_key_bytes", len(pub)).
		Int("crypto_context_bytes", len(cctx)).
		Str("dir", dir).
		Msg("Handshake materials loaded")
	return handshake.Materials{PublicKey: pub, CryptoContext: cctx}, nil
}

// LoadPair returns the AEAD pair for the frame key in dir, or the identity
// pair when dir has no frame key.
func LoadPair(dir string) (Pair, error) {
	key, err := os.ReadFile(filepath.Join(dir, FrameKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("dir", dir).Msg("No frame key found, audio frames are sent unencrypted")
		return IdentityPair(), nil
	}
	if err != nil {
		return Pair{}, fmt.Errorf("read frame key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return Pair{}, fmt.Errorf("frame key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return NewAEADPair(key)
}

// GenerateFrameKey writes a fresh random frame key into dir.
func GenerateFrameKey(dir string) error {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate frame key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, FrameKeyFile), key, 0o600)
}
