// Package memory is an in-process room. Every joined peer is a
// transport.Transport; tests and local loopback calls use it.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"relay-call/internal/transport"

	"github.com/rs/zerolog/log"
)

// lossyBacklog bounds how many undelivered lossy messages a peer may hold.
const lossyBacklog = 256

// DropFunc decides whether a lossy message is lost in flight.
type DropFunc func(from, to, topic string, data []byte) bool

type Hub struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	drop  DropFunc
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Peer)}
}

// SetDropFunc installs a loss model for lossy sends.
func (h *Hub) SetDropFunc(f DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = f
}

// Join adds identity to the room. The new peer sees Connected followed by
// one ParticipantConnected per peer already present.
func (h *Hub) Join(identity string) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[identity]; ok {
		return nil, fmt.Errorf("identity %q already joined", identity)
	}

	p := &Peer{
		hub:      h,
		identity: identity,
		events:   make(chan transport.Event),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go p.pump()

	p.deliver(transport.Event{Kind: transport.Connected}, transport.Reliable)
	for id, other := range h.peers {
		p.deliver(transport.Event{Kind: transport.ParticipantConnected, Participant: id}, transport.Reliable)
		other.deliver(transport.Event{Kind: transport.ParticipantConnected, Participant: identity}, transport.Reliable)
	}
	h.peers[identity] = p
	log.Debug().Str("identity", identity).Msg("Peer joined memory hub")
	return p, nil
}

func (h *Hub) leave(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.identity] != p {
		return
	}
	delete(h.peers, p.identity)
	for _, other := range h.peers {
		other.deliver(transport.Event{Kind: transport.ParticipantDisconnected, Participant: p.identity}, transport.Reliable)
	}
	log.Debug().Str("identity", p.identity).Msg("Peer left memory hub")
}

type queued struct {
	ev    transport.Event
	lossy bool
}

// Peer is one member of a Hub.
type Peer struct {
	hub      *Hub
	identity string

	mu     sync.Mutex
	inbox  []queued
	lossy  int
	closed bool

	events    chan transport.Event
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (p *Peer) Identity() string { return p.identity }

func (p *Peer) Events() <-chan transport.Event { return p.events }

func (p *Peer) Send(ctx context.Context, data []byte, rel transport.Reliability, topic string, targets ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return transport.ErrUnavailable
	default:
	}

	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()

	var recipients []*Peer
	if len(targets) == 0 {
		for id, other := range p.hub.peers {
			if id != p.identity {
				recipients = append(recipients, other)
			}
		}
	} else {
		for _, id := range targets {
			if other, ok := p.hub.peers[id]; ok && id != p.identity {
				recipients = append(recipients, other)
			}
		}
	}

	for _, r := range recipients {
		if rel == transport.Lossy && p.hub.drop != nil && p.hub.drop(p.identity, r.identity, topic, data) {
			continue
		}
		r.deliver(transport.Event{
			Kind:        transport.DataReceived,
			Participant: p.identity,
			Topic:       topic,
			Data:        bytes.Clone(data),
		}, rel)
	}
	return nil
}

// Close leaves the hub. The peer's event stream ends with Disconnected.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.hub.leave(p)
		p.deliver(transport.Event{Kind: transport.Disconnected}, transport.Reliable)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

func (p *Peer) deliver(ev transport.Event, rel transport.Reliability) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	lossy := rel == transport.Lossy
	if lossy {
		if p.lossy >= lossyBacklog {
			p.mu.Unlock()
			return
		}
		p.lossy++
	}
	p.inbox = append(p.inbox, queued{ev: ev, lossy: lossy})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// pump moves inbox events to the events channel so that senders never block
// on a slow reader.
func (p *Peer) pump() {
	defer close(p.events)
	for {
		p.mu.Lock()
		if len(p.inbox) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.notify:
			case <-p.done:
			}
			continue
		}
		q := p.inbox[0]
		p.inbox[0] = queued{}
		p.inbox = p.inbox[1:]
		if q.lossy {
			p.lossy--
		}
		p.mu.Unlock()

		p.events <- q.ev
	}
}
