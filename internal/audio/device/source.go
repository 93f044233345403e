package device

import (
	"context"
	"fmt"
	"io"
	"sync"

	"relay-call/internal/audio/config"
	"relay-call/internal/audio/convert"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

const sourceBacklog = 4

// Source reads fixed-size float32 frames from the default capture device.
type Source struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rs     *Resampler

	frames    chan []float32
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSource starts the capture device. When cfg.DeviceSampleRate differs
// from cfg.SampleRate the device runs at its own rate and frames are resampled.
func OpenSource(cfg config.AudioConfig) (*Source, error) {
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}

	s := &Source{
		ctx:    ctx,
		frames: make(chan []float32, sourceBacklog),
		done:   make(chan struct{}),
	}

	deviceRate := cfg.SampleRate
	if cfg.DeviceSampleRate != 0 && cfg.DeviceSampleRate != cfg.SampleRate {
		deviceRate = cfg.DeviceSampleRate
		s.rs, err = NewResampler(deviceRate, cfg.SampleRate, int(cfg.Channels), int(deviceRate)*int(cfg.Channels))
		if err != nil {
			freeContext(ctx)
			return nil, err
		}
	}

	framer := convert.NewFramer(cfg.FrameLen())
	onCapture := func(_, input []byte, _ uint32) {
		samples := convert.BytesToFloat32(input)
		if s.rs != nil {
			resampled, rerr := s.rs.Process(samples)
			if rerr != nil {
				log.Warn().Err(rerr).Msg("Resample failed, dropping capture chunk")
				return
			}
			samples = resampled
		}
		for _, frame := range framer.Push(samples) {
			select {
			case s.frames <- frame:
			default:
				// reader is behind, drop the frame rather than block the audio thread
			}
		}
	}

	capCfg := deviceConfig(malgo.Capture, deviceRate, cfg.Channels)
	device, err := malgo.InitDevice(ctx.Context, capCfg, malgo.DeviceCallbacks{Data: onCapture})
	if err != nil {
		s.release()
		return nil, fmt.Errorf("%w: open capture device: %v", ErrDeviceUnavailable, err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		s.release()
		return nil, fmt.Errorf("%w: start capture device: %v", ErrDeviceUnavailable, err)
	}

	log.Info().
		Uint32("device_rate", deviceRate).
		Uint32("sample_rate", cfg.SampleRate).
		Uint8("channels", cfg.Channels).
		Msg("Capture device started")
	return s, nil
}

// ReadFrame blocks until the next frame is captured. It returns io.EOF
// once the source is closed.
func (s *Source) ReadFrame(ctx context.Context) ([]float32, error) {
	select {
	case <-s.done:
		return nil, io.EOF
	default:
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the device; callbacks have stopped once it returns.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.release()
		log.Info().Msg("Capture device released")
	})
	return nil
}

func (s *Source) release() {
	if s.device != nil {
		s.device.Uninit()
	}
	freeContext(s.ctx)
	if s.rs != nil {
		_ = s.rs.Close()
	}
}
