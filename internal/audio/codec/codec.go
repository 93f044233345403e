// Package codec turns captured float32 frames into payload bytes and back.
// The payload is what gets encrypted and fragmented; the fragment header
// carries sample rate and channel count, so codecs only see samples.
package codec

import (
	"errors"
	"fmt"

	"relay-call/internal/audio/config"
	"relay-call/internal/audio/convert"
)

const (
	NamePCMF32 = "pcm-f32"
	NamePCMS16 = "pcm-s16"
	NamePCMU   = "pcmu"
	NameOpus   = "opus"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrOpusDisabled = errors.New("opus codec requires CGO - rebuild with CGO_ENABLED=1 and -tags opus")
)

type Codec interface {
	Name() string
	Encode(samples []float32) ([]byte, error)
	Decode(data []byte) ([]float32, error)
}

// New creates the codec named in cfg.Codec.
func New(cfg config.AudioConfig) (Codec, error) {
	switch cfg.Codec {
	case NamePCMF32, "":
		return PCMF32{}, nil
	case NamePCMS16:
		return PCMS16{}, nil
	case NamePCMU:
		return PCMU{}, nil
	case NameOpus:
		return newOpus(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, cfg.Codec)
	}
}

// PCMF32 sends raw little-endian float32 samples.
type PCMF32 struct{}

func (PCMF32) Name() string { return NamePCMF32 }

func (PCMF32) Encode(samples []float32) ([]byte, error) {
	return convert.Float32ToBytes(samples), nil
}

func (PCMF32) Decode(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("pcm-f32 payload length %d is not a multiple of 4", len(data))
	}
	return convert.BytesToFloat32(data), nil
}

// PCMS16 sends little-endian int16 samples, half the size of PCMF32.
type PCMS16 struct{}

func (PCMS16) Name() string { return NamePCMS16 }

func (PCMS16) Encode(samples []float32) ([]byte, error) {
	return convert.Int16ToBytes(convert.Float32ToInt16(samples)), nil
}

func (PCMS16) Decode(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm-s16 payload length %d is odd", len(data))
	}
	return convert.Int16ToFloat32(convert.BytesToInt16(data)), nil
}
