package base

import (
	"errors"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestDefaultDiscoverConfig(t *testing.T) {
	cfg := NewDefaultDiscoverConfig("standup")
	if !strings.HasSuffix(cfg.RendezvousString, "/standup") {
		t.Errorf("Expected rendezvous scoped to the room, got %q", cfg.RendezvousString)
	}
	if cfg.RendezvousString == NewDefaultDiscoverConfig("retro").RendezvousString {
		t.Error("Different rooms must not share a rendezvous string")
	}
	addr, err := cfg.ListenAddr()
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	if addr.String() != "/ip4/0.0.0.0/tcp/0" {
		t.Errorf("Unexpected listen address %s", addr)
	}
}

func TestNewDiscoverRejectsNilHandlers(t *testing.T) {
	noop := func(network.Stream) {}
	if _, err := NewDiscover(NewDefaultDiscoverConfig("x"), nil, noop); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Expected ErrNilHandler, got %v", err)
	}
	d, err := NewDiscover(NewDefaultDiscoverConfig("x"), noop, noop)
	if err != nil {
		t.Fatalf("NewDiscover: %v", err)
	}
	select {
	case <-d.Connected():
		t.Error("Connected closed before any stream")
	default:
	}
	d.markConnected()
	d.markConnected()
	<-d.Connected()
}

func TestShouldDialIsAsymmetric(t *testing.T) {
	a, b := peer.ID("12D3KooWA"), peer.ID("12D3KooWB")
	if ShouldDial(a, b) == ShouldDial(b, a) {
		t.Error("Exactly one side must dial")
	}
	if ShouldDial(a, a) {
		t.Error("A peer must not dial itself")
	}
}
