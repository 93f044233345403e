package device

import (
	"fmt"
	"sync"

	"relay-call/internal/audio/convert"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// Sink plays float32 samples on the default playback device. Write blocks
// until the device callback has taken the previous buffer, which paces the
// caller at the device rate.
type Sink struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func OpenSink(sampleRate uint32, channels uint8) (*Sink, error) {
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}

	s := &Sink{
		ctx:  ctx,
		in:   make(chan []byte),
		done: make(chan struct{}),
	}

	var cur []byte
	onPlay := func(output, _ []byte, _ uint32) {
		n := 0
		for n < len(output) {
			if len(cur) == 0 {
				select {
				case cur = <-s.in:
				default:
				}
				if len(cur) == 0 {
					break
				}
			}
			c := copy(output[n:], cur)
			cur = cur[c:]
			n += c
		}
		// fill remaining buffer with silence
		clear(output[n:])
	}

	playCfg := deviceConfig(malgo.Playback, sampleRate, channels)
	device, err := malgo.InitDevice(ctx.Context, playCfg, malgo.DeviceCallbacks{Data: onPlay})
	if err != nil {
		freeContext(ctx)
		return nil, fmt.Errorf("%w: open playback device: %v", ErrDeviceUnavailable, err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(ctx)
		return nil, fmt.Errorf("%w: start playback device: %v", ErrDeviceUnavailable, err)
	}

	log.Info().
		Uint32("sample_rate", sampleRate).
		Uint8("channels", channels).
		Msg("Playback device started")
	return s, nil
}

func (s *Sink) Write(samples []float32) error {
	buf := convert.Float32ToBytes(samples)
	select {
	case s.in <- buf:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.device.Uninit()
		freeContext(s.ctx)
		log.Info().Msg("Playback device released")
	})
	return nil
}
