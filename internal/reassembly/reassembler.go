// Package reassembly rebuilds payloads from fragments that may arrive
// duplicated, reordered or concurrently.
//
// Every message id gets its own accumulator guarded by its own mutex, so
// fragments of unrelated messages never contend. The first fragment seen for
// an id fixes the fragment count and audio metadata for the accumulator's
// lifetime; later fragments are not checked against them.
//
// A completed accumulator releases its slots but stays in the map as a
// tombstone until the sweeper removes it, so a late duplicate cannot emit the
// same message twice. Accumulators that never complete are evicted by the
// same sweep once they are older than the configured timeout.
package reassembly

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relay-call/internal/fragment"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout applies when New is given a non-positive timeout.
	DefaultTimeout   = 5 * time.Second
	minSweepInterval = 100 * time.Millisecond
)

// Message is a fully reassembled payload.
type Message struct {
	ID      uint32
	Payload []byte
	fragment.Metadata
}

type Stats struct {
	Pending    int64
	Completed  uint64
	Duplicates uint64
	Evicted    uint64
}

type accumulator struct {
	mu       sync.Mutex
	count    uint16
	meta     fragment.Metadata
	parts    [][]byte
	received int
	created  time.Time
	finished time.Time
	done     bool
	evicted  bool
}

type Reassembler struct {
	inbox   sync.Map // uint32 -> *accumulator
	timeout time.Duration

	pending    atomic.Int64
	completed  atomic.Uint64
	duplicates atomic.Uint64
	evicted    atomic.Uint64
}

// New creates a Reassembler. Accumulators and tombstones older than timeout
// are dropped by Sweep. A non-positive timeout means DefaultTimeout, so the
// map always stays bounded while a sweeper runs.
func New(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{timeout: timeout}
}

func (r *Reassembler) Timeout() time.Duration {
	return r.timeout
}

// Push absorbs one framed fragment. It returns the message and true exactly
// once, when the last missing fragment of that message arrives.
// Malformed fragments return an error wrapping fragment.ErrMalformedFragment.
func (r *Reassembler) Push(data []byte) (Message, bool, error) {
	h, body, err := fragment.Decode(data)
	if err != nil {
		return Message{}, false, err
	}
	if h.Count == 0 {
		return Message{}, false, fmt.Errorf("%w: zero fragment count for message %d", fragment.ErrMalformedFragment, h.MessageID)
	}

	for {
		acc := r.load(h)

		acc.mu.Lock()
		if acc.evicted {
			// lost the race with the sweeper, start over with a fresh accumulator
			acc.mu.Unlock()
			continue
		}
		msg, ok := r.store(acc, h, body)
		acc.mu.Unlock()
		return msg, ok, nil
	}
}

func (r *Reassembler) load(h fragment.Header) *accumulator {
	if v, ok := r.inbox.Load(h.MessageID); ok {
		return v.(*accumulator)
	}

	fresh := &accumulator{
		count:   h.Count,
		meta:    h.Metadata,
		parts:   make([][]byte, h.Count),
		created: time.Now(),
	}
	v, loaded := r.inbox.LoadOrStore(h.MessageID, fresh)
	if !loaded {
		r.pending.Add(1)
	}
	return v.(*accumulator)
}

// store must be called with acc.mu held.
func (r *Reassembler) store(acc *accumulator, h fragment.Header, body []byte) (Message, bool) {
	if acc.done || h.Index >= acc.count || acc.parts[h.Index] != nil {
		r.duplicates.Add(1)
		return Message{}, false
	}

	// body aliases the transport's buffer; keep a private copy that is never nil
	acc.parts[h.Index] = append(make([]byte, 0, len(body)), body...)
	acc.received++
	if acc.received < int(acc.count) {
		return Message{}, false
	}

	size := 0
	for _, p := range acc.parts {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range acc.parts {
		payload = append(payload, p...)
	}

	acc.parts = nil
	acc.done = true
	acc.finished = time.Now()
	r.pending.Add(-1)
	r.completed.Add(1)

	return Message{ID: h.MessageID, Payload: payload, Metadata: acc.meta}, true
}

// Sweep removes accumulators and tombstones older than the timeout, measured
// from creation for incomplete messages and from completion for finished ones.
// It returns how many incomplete messages were evicted.
func (r *Reassembler) Sweep(now time.Time) int {
	evicted := 0
	r.inbox.Range(func(key, value any) bool {
		acc := value.(*accumulator)

		acc.mu.Lock()
		defer acc.mu.Unlock()

		since := acc.created
		if acc.done {
			since = acc.finished
		}
		if now.Sub(since) < r.timeout {
			return true
		}

		acc.evicted = true
		r.inbox.CompareAndDelete(key, acc)
		if !acc.done {
			acc.parts = nil
			evicted++
			r.pending.Add(-1)
			r.evicted.Add(1)
			log.Debug().
				Uint32("message_id", key.(uint32)).
				Int("received", acc.received).
				Uint16("count", acc.count).
				Msg("Evicted incomplete message")
		}
		return true
	})
	return evicted
}

// Run sweeps periodically until ctx is done.
func (r *Reassembler) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(r.timeout/2, minSweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				log.Warn().Int("evicted", n).Dur("timeout", r.timeout).Msg("Dropped incomplete messages")
			}
		}
	}
}

func (r *Reassembler) Stats() Stats {
	return Stats{
		Pending:    r.pending.Load(),
		Completed:  r.completed.Load(),
		Duplicates: r.duplicates.Load(),
		Evicted:    r.evicted.Load(),
	}
}
