// Package transform applies the per-frame end-to-end step to payloads
// before fragmentation and after reassembly.
package transform

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrTransformFailure = errors.New("transform failed")

// Transform maps one payload to another. A failure drops that payload only.
type Transform interface {
	Apply(data []byte) ([]byte, error)
}

// Func adapts a plain function to Transform.
type Func func([]byte) ([]byte, error)

func (f Func) Apply(data []byte) ([]byte, error) { return f(data) }

type Identity struct{}

func (Identity) Apply(data []byte) ([]byte, error) { return data, nil }

// Sealer encrypts with XChaCha20-Poly1305 and prefixes the random nonce.
type Sealer struct {
	aead cipher.AEAD
}

// Opener reverses Sealer.
type Opener struct {
	aead cipher.AEAD
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create xchacha20-poly1305: %w", err)
	}
	return aead, nil
}

func NewSealer(key []byte) (*Sealer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func NewOpener(key []byte) (*Opener, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead}, nil
}

func (s *Sealer) Apply(plain []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, ns, ns+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrTransformFailure, err)
	}
	return s.aead.Seal(out, out[:ns], plain, nil), nil
}

func (o *Opener) Apply(sealed []byte) ([]byte, error) {
	ns := o.aead.NonceSize()
	if len(sealed) < ns+o.aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", ErrTransformFailure, len(sealed))
	}
	plain, err := o.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransformFailure, err)
	}
	return plain, nil
}

// Pair is the outgoing and incoming transform of one session.
type Pair struct {
	Outgoing Transform
	Incoming Transform
}

func IdentityPair() Pair {
	return Pair{Outgoing: Identity{}, Incoming: Identity{}}
}

// NewAEADPair builds a Sealer/Opener pair over one shared key.
func NewAEADPair(key []byte) (Pair, error) {
	s, err := NewSealer(key)
	if err != nil {
		return Pair{}, err
	}
	o, err := NewOpener(key)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Outgoing: s, Incoming: o}, nil
}
