package discovery

import (
	"context"
	"fmt"
	"time"

	"relay-call/internal/p2p/base"
	"relay-call/internal/p2p/dht"
	"relay-call/internal/p2p/mdns"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/rs/zerolog/log"
)

const DefaultMDNSTimeout = 60 * time.Second

// DiscoverManager tries the local network first and falls back to the DHT.
type DiscoverManager struct {
	discover    *base.Discover
	host        host.Host
	MDNSTimeout time.Duration
}

func NewDiscover(room string, outStream, inStream base.StreamHandler) (*DiscoverManager, error) {
	d, err := base.NewDiscover(base.NewDefaultDiscoverConfig(room), outStream, inStream)
	if err != nil {
		return nil, err
	}
	return &DiscoverManager{discover: d, MDNSTimeout: DefaultMDNSTimeout}, nil
}

// StartDiscovery returns once a signaling stream to a peer exists. The host
// stays up until Close, since the stream lives on it.
func (d *DiscoverManager) StartDiscovery(ctx context.Context) error {
	h, err := d.discover.NewHost()
	if err != nil {
		return err
	}
	d.host = h

	mdnsCtx, cancel := context.WithTimeout(ctx, d.MDNSTimeout)
	defer cancel()
	mdnsDiscover := mdns.MDNSDiscovery{Discover: d.discover}
	err = mdnsDiscover.Start(mdnsCtx, h)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Warn().Err(err).Msg("mDNS discovery failed, falling back to DHT")
	dhtDiscover := dht.DhtDiscover{Discover: d.discover}
	if err := dhtDiscover.Start(ctx, h); err != nil {
		return fmt.Errorf("dht discovery: %w", err)
	}
	return nil
}

func (d *DiscoverManager) Close() error {
	if d == nil || d.host == nil {
		return nil
	}
	return d.host.Close()
}
