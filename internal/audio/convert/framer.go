package convert

// Framer cuts a stream of interleaved samples of arbitrary chunk sizes
// into frames of exactly frameLen samples. Not safe for concurrent use.
type Framer struct {
	frameLen int
	pending  []float32
}

func NewFramer(frameLen int) *Framer {
	return &Framer{frameLen: frameLen, pending: make([]float32, 0, frameLen*2)}
}

// Push appends samples and returns every complete frame. Returned frames
// are fresh slices owned by the caller.
func (f *Framer) Push(samples []float32) [][]float32 {
	f.pending = append(f.pending, samples...)
	var frames [][]float32
	for len(f.pending) >= f.frameLen {
		frame := make([]float32, f.frameLen)
		copy(frame, f.pending[:f.frameLen])
		frames = append(frames, frame)
		f.pending = f.pending[f.frameLen:]
	}
	// compact so the backing array does not grow forever
	if cap(f.pending)-len(f.pending) < f.frameLen {
		f.pending = append(make([]float32, 0, f.frameLen*2), f.pending...)
	}
	return frames
}

// Buffered reports how many samples wait for the next frame.
func (f *Framer) Buffered() int {
	return len(f.pending)
}
