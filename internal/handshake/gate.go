// Package handshake holds the per-session gate that keeps outbound audio
// back until the mixer has accepted our public materials, and the packet
// format those materials travel in.
package handshake

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a one-way latch. It opens at most once and never closes.
type Gate struct {
	once  sync.Once
	open  atomic.Bool
	ready chan struct{}
}

func NewGate() *Gate {
	return &Gate{
		ready: make(chan struct{}),
	}
}

// Open sets the latch. It returns true only for the call that opened it.
func (g *Gate) Open() bool {
	opened := false
	g.once.Do(func() {
		g.open.Store(true)
		close(g.ready)
		opened = true
	})
	return opened
}

func (g *Gate) IsOpen() bool {
	return g.open.Load()
}

// Ready is closed once the gate opens.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
