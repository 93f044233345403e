package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var ErrNotReady = errors.New("capture is not allowed to start yet")

// Source yields fixed-size frames. ReadFrame blocks until a frame is ready
// and returns io.EOF after Close. Close may be called while ReadFrame blocks
// and more than once.
type Source interface {
	ReadFrame(ctx context.Context) ([]float32, error)
	Close() error
}

type SourceFactory func() (Source, error)

// FrameFunc receives every captured frame. It owns the slice.
type FrameFunc func(frame []float32)

// Pipeline runs at most one capture loop and holds at most one source.
type Pipeline struct {
	open SourceFactory

	mu     sync.Mutex
	source Source
	cancel context.CancelFunc
	done   chan struct{}

	frames atomic.Uint64
}

func New(open SourceFactory) *Pipeline {
	return &Pipeline{open: open}
}

// Start stops any running loop, asks guard for permission and, if granted,
// opens a fresh source and starts reading from it. A nil guard always allows.
func (p *Pipeline) Start(ctx context.Context, guard func() bool, onFrame FrameFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	if guard != nil && !guard() {
		log.Debug().Msg("Capture start refused")
		return ErrNotReady
	}

	src, err := p.open()
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.source, p.cancel, p.done = src, cancel, done

	go p.run(loopCtx, src, onFrame, done)
	log.Info().Msg("Capture started")
	return nil
}

// Stop ends the loop and releases the source before returning.
// Must not be called from inside a FrameFunc.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether a capture loop is alive. A loop that stopped on a
// read error no longer counts, so the next Start replaces it.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Frames counts frames handed to FrameFunc over the pipeline's lifetime.
func (p *Pipeline) Frames() uint64 {
	return p.frames.Load()
}

func (p *Pipeline) stopLocked() {
	if p.source == nil {
		return
	}
	p.cancel()
	if err := p.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close capture source")
	}
	<-p.done
	p.source, p.cancel, p.done = nil, nil, nil
	log.Info().Msg("Capture stopped")
}

func (p *Pipeline) run(ctx context.Context, src Source, onFrame FrameFunc, done chan struct{}) {
	failed := false
	defer func() {
		// Running already reports false here; release the device too
		if !failed {
			return
		}
		if err := src.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close capture source")
		}
	}()
	defer close(done)

	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Capture read failed, stopping loop")
			failed = true
			return
		}
		p.frames.Add(1)
		onFrame(frame)
	}
}
