package device

import (
	"fmt"

	"github.com/dh1tw/gosamplerate"
)

// Resampler converts a continuous stream of interleaved float32 samples
// between two rates. Output length per call varies; callers re-frame it.
type Resampler struct {
	src   gosamplerate.Src
	ratio float64
}

func NewResampler(from, to uint32, channels, maxInput int) (*Resampler, error) {
	if from == 0 || to == 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	src, err := gosamplerate.New(gosamplerate.SRC_SINC_FASTEST, channels, maxInput)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return &Resampler{src: src, ratio: float64(to) / float64(from)}, nil
}

func (r *Resampler) Process(in []float32) ([]float32, error) {
	return r.src.Process(in, r.ratio, false)
}

func (r *Resampler) Close() error {
	return gosamplerate.Delete(r.src)
}
