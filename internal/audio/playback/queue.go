package playback

import (
	"context"
	"sync"
)

type Item struct {
	Samples    []float32
	SampleRate uint32
	Channels   uint8
}

// Queue is a bounded FIFO that discards its oldest item when full.
// Push never blocks; Pop blocks until an item arrives or the queue closes.
type Queue struct {
	mu     sync.Mutex
	buf    []Item
	head   int
	n      int
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]Item, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push adds it to the tail. It reports whether an older item had to be
// dropped. Pushing to a closed queue does nothing.
func (q *Queue) Push(it Item) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = Item{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = it
	q.n++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop returns the oldest item. ok is false once the queue is closed or ctx ends.
func (q *Queue) Pop(ctx context.Context) (it Item, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, false
		}
		if q.n > 0 {
			it = q.buf[q.head]
			q.buf[q.head] = Item{}
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return Item{}, false
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close discards pending items and wakes any waiting Pop. It returns the
// number of items discarded.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	drained := q.n
	clear(q.buf)
	q.head, q.n = 0, 0
	q.closed = true
	close(q.done)
	return drained
}
