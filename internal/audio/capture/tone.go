package capture

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"relay-call/internal/audio/config"
)

// ToneSource produces a sine wave at the frame cadence of cfg. It stands in
// for a microphone on machines without one.
type ToneSource struct {
	frameLen int
	channels int
	step     float64
	phase    float64
	ticker   *time.Ticker

	done      chan struct{}
	closeOnce sync.Once
}

func NewToneSource(cfg config.AudioConfig, freq float64) *ToneSource {
	return &ToneSource{
		frameLen: cfg.FrameLen(),
		channels: int(cfg.Channels),
		step:     2 * math.Pi * freq / float64(cfg.SampleRate),
		ticker:   time.NewTicker(cfg.FrameDuration()),
		done:     make(chan struct{}),
	}
}

func (t *ToneSource) ReadFrame(ctx context.Context) ([]float32, error) {
	select {
	case <-t.done:
		return nil, io.EOF
	default:
	}
	select {
	case <-t.ticker.C:
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	frame := make([]float32, t.frameLen)
	for i := 0; i < len(frame); i += t.channels {
		v := float32(0.3 * math.Sin(t.phase))
		for c := 0; c < t.channels; c++ {
			frame[i+c] = v
		}
		t.phase += t.step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return frame, nil
}

func (t *ToneSource) Close() error {
	t.closeOnce.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
	return nil
}
