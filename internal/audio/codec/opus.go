//go:build cgo && opus

package codec

import (
	"errors"
	"fmt"
	"sync"

	"relay-call/internal/audio/config"
	"relay-call/internal/audio/convert"

	"gopkg.in/hraban/opus.v2"
)

const maxOpusPacket = 4000

// Допустимые frame sizes для 48kHz (мс): 2.5ms=120, 5ms=240, 10ms=480, 20ms=960, 40ms=1920, 60ms=2880
var ErrInvalidFrameSize = errors.New("invalid opus frame size for given sampleRate")

// Opus compresses one capture frame into one opus packet.
// Encoder and decoder keep state between frames, so calls are serialised.
type Opus struct {
	encMu    sync.Mutex
	enc      *opus.Encoder
	decMu    sync.Mutex
	dec      *opus.Decoder
	channels int
	frameLen int
}

func newOpus(cfg config.AudioConfig) (Codec, error) {
	if !convert.IsFrameSizeValid(int(cfg.SampleRate), cfg.FrameSamples) {
		return nil, fmt.Errorf("%w: %d samples at %dHz", ErrInvalidFrameSize, cfg.FrameSamples, cfg.SampleRate)
	}
	enc, err := opus.NewEncoder(int(cfg.SampleRate), int(cfg.Channels), opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("failed to enable FEC: %w", err)
	}
	dec, err := opus.NewDecoder(int(cfg.SampleRate), int(cfg.Channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &Opus{
		enc:      enc,
		dec:      dec,
		channels: int(cfg.Channels),
		frameLen: cfg.FrameLen(),
	}, nil
}

func (o *Opus) Name() string { return NameOpus }

func (o *Opus) Encode(samples []float32) ([]byte, error) {
	o.encMu.Lock()
	defer o.encMu.Unlock()

	out := make([]byte, maxOpusPacket)
	n, err := o.enc.EncodeFloat32(samples, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

func (o *Opus) Decode(data []byte) ([]float32, error) {
	o.decMu.Lock()
	defer o.decMu.Unlock()

	pcm := make([]float32, o.frameLen)
	n, err := o.dec.DecodeFloat32(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n*o.channels], nil
}
