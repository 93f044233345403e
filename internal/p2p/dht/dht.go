package dht

import (
	"context"
	"time"

	"relay-call/internal/p2p/base"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog/log"
)

const findInterval = 5 * time.Second

type DhtDiscover struct {
	*base.Discover
}

// Start advertises the rendezvous string on the public DHT and dials the
// first peer found under it, unless that peer dials us first.
func (d *DhtDiscover) Start(ctx context.Context, h host.Host) error {
	bootstrapPeers := make([]peer.AddrInfo, 0, len(d.Cfg.BootstrapPeers))
	for _, addr := range d.Cfg.BootstrapPeers {
		peerinfo, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr.String()).Msg("Skipping bad bootstrap address")
			continue
		}
		bootstrapPeers = append(bootstrapPeers, *peerinfo)
	}
	kademliaDHT, err := dht.New(ctx, h, dht.BootstrapPeers(bootstrapPeers...))
	if err != nil {
		return err
	}
	defer kademliaDHT.Close()

	log.Debug().Msg("Bootstrapping the DHT...")
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return err
	}

	// bootstrap returns before the routing table fills
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Debug().Msg("Announcing presence...")
	routingDiscovery := drouting.NewRoutingDiscovery(kademliaDHT)
	dutil.Advertise(ctx, routingDiscovery, d.Cfg.RendezvousString)

	for {
		log.Info().Int("rt_size", kademliaDHT.RoutingTable().Size()).Msg("Searching for peers...")
		peerChan, err := routingDiscovery.FindPeers(ctx, d.Cfg.RendezvousString)
		if err != nil {
			return err
		}
		for p := range peerChan {
			if d.ProcessOnePeer(ctx, h, p) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Connected():
			return nil
		case <-time.After(findInterval):
		}
	}
}
