package playback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Sink renders samples. Write blocks until the device has accepted them.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// SinkFactory opens a sink for one sample rate and channel count.
type SinkFactory func(sampleRate uint32, channels uint8) (Sink, error)

// Pipeline feeds a bounded queue of items to one render loop. The loop
// reopens the sink whenever the item format changes.
type Pipeline struct {
	open     SinkFactory
	capacity int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	queue  atomic.Pointer[Queue]

	dropped atomic.Uint64
	played  atomic.Uint64
}

func New(open SinkFactory, capacity int) *Pipeline {
	return &Pipeline{open: open, capacity: capacity}
}

// Start launches the render loop. Calling Start on a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}

	q := NewQueue(p.capacity)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.queue.Store(q)
	p.cancel, p.done = cancel, done

	go p.run(loopCtx, q, done)
	log.Info().Int("capacity", p.capacity).Msg("Playback started")
}

// Enqueue hands an item to the render loop. It never blocks and is a no-op
// when the pipeline is not running.
func (p *Pipeline) Enqueue(it Item) {
	q := p.queue.Load()
	if q == nil {
		return
	}
	if q.Push(it) {
		p.dropped.Add(1)
		log.Debug().Msg("Playback queue full, dropped oldest item")
	}
}

// Stop closes the queue, waits for the loop and releases the sink.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return
	}

	// the closed queue stays installed so late Enqueue calls are dropped
	if q := p.queue.Load(); q != nil {
		if n := q.Close(); n > 0 {
			log.Debug().Int("discarded", n).Msg("Playback queue drained")
		}
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
	log.Info().Msg("Playback stopped")
}

func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }
func (p *Pipeline) Played() uint64  { return p.played.Load() }

// QueueLen is the number of items waiting for the render loop.
func (p *Pipeline) QueueLen() int {
	if q := p.queue.Load(); q != nil {
		return q.Len()
	}
	return 0
}

type format struct {
	sampleRate uint32
	channels   uint8
}

func (p *Pipeline) run(ctx context.Context, q *Queue, done chan struct{}) {
	var (
		sink   Sink
		active format
	)
	defer func() {
		if sink != nil {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close playback sink")
			}
		}
		close(done)
	}()

	for {
		it, ok := q.Pop(ctx)
		if !ok {
			return
		}

		f := format{it.SampleRate, it.Channels}
		if sink == nil || f != active {
			if sink != nil {
				if err := sink.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close playback sink")
				}
				sink = nil
			}
			s, err := p.open(f.sampleRate, f.channels)
			if err != nil {
				log.Error().Err(err).
					Uint32("sample_rate", f.sampleRate).
					Uint8("channels", f.channels).
					Msg("Failed to open playback sink, dropping item")
				continue
			}
			sink, active = s, f
			log.Debug().
				Uint32("sample_rate", f.sampleRate).
				Uint8("channels", f.channels).
				Msg("Playback sink configured")
		}

		if err := sink.Write(it.Samples); err != nil {
			log.Warn().Err(err).Msg("Playback write failed, reopening sink on next item")
			_ = sink.Close()
			sink = nil
			continue
		}
		p.played.Add(1)
	}
}
