package mdns

import (
	"context"

	"relay-call/internal/p2p/base"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/rs/zerolog/log"
)

type MDNSDiscovery struct {
	*base.Discover
}

type discoveryNotifee struct {
	PeerChan chan peer.AddrInfo
}

// HandlePeerFound is called by the mDNS service for every announcement.
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	select {
	case n.PeerChan <- pi:
	default:
	}
}

func initMDNS(peerhost host.Host, rendezvous string) (chan peer.AddrInfo, mdns.Service) {
	n := &discoveryNotifee{PeerChan: make(chan peer.AddrInfo, 8)}
	ser := mdns.NewMdnsService(peerhost, rendezvous, n)
	if err := ser.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start mDNS service")
	}
	return n.PeerChan, ser
}

// Start runs mDNS discovery on h until a signaling stream exists in either
// direction or ctx ends.
func (m *MDNSDiscovery) Start(ctx context.Context, h host.Host) error {
	log.Info().Str("rendezvous", m.Cfg.RendezvousString).Msg("Start mdns discovery")

	peerChan, ser := initMDNS(h, m.Cfg.RendezvousString)
	defer ser.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("mDNS discovery stopped")
			return ctx.Err()
		case <-m.Connected():
			return nil
		case p := <-peerChan:
			if m.ProcessOnePeer(ctx, h, p) {
				return nil
			}
		}
	}
}
