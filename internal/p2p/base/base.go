// Package base holds what mDNS and DHT discovery share: the libp2p host,
// the signaling protocol id and the rule for which side opens the stream.
package base

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

var (
	RendezvousPrefix string = "relay-call-7c1d3e52"
	ProtocolID       string = "/relay-call/signal/1.0.0"
)

var ErrNilHandler = errors.New("stream handlers cannot be nil")

type DiscoverConfig struct {
	ProtocolId       string
	RendezvousString string
	BootstrapPeers   []multiaddr.Multiaddr
	ListenHost       string
	ListenPort       int
}

// NewDefaultDiscoverConfig scopes discovery to one room name.
func NewDefaultDiscoverConfig(room string) *DiscoverConfig {
	return &DiscoverConfig{
		ProtocolId:       ProtocolID,
		RendezvousString: RendezvousPrefix + "/" + room,
		BootstrapPeers:   dht.DefaultBootstrapPeers,
		ListenHost:       "0.0.0.0",
		ListenPort:       0,
	}
}

func (c *DiscoverConfig) ListenAddr() (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", c.ListenHost, c.ListenPort))
}

type StreamHandler func(stream network.Stream)

// Discover connects to exactly one peer. Whichever side has the smaller peer
// id opens the signaling stream; the other side waits for it.
type Discover struct {
	Cfg       *DiscoverConfig
	OutStream StreamHandler
	InStream  StreamHandler

	once      sync.Once
	connected chan struct{}
}

func NewDiscover(cfg *DiscoverConfig, outStream, inStream StreamHandler) (*Discover, error) {
	if outStream == nil || inStream == nil {
		return nil, ErrNilHandler
	}
	return &Discover{Cfg: cfg, OutStream: outStream, InStream: inStream, connected: make(chan struct{})}, nil
}

// Connected is closed once a signaling stream exists in either direction.
func (d *Discover) Connected() <-chan struct{} {
	return d.connected
}

func (d *Discover) markConnected() {
	d.once.Do(func() { close(d.connected) })
}

// NewHost creates a libp2p host listening on the configured address and
// registers the incoming signaling handler on it.
func (d *Discover) NewHost() (host.Host, error) {
	prvKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 0, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	listen, err := d.Cfg.ListenAddr()
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listen),
		libp2p.Identity(prvKey),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	h.SetStreamHandler(protocol.ID(d.Cfg.ProtocolId), func(s network.Stream) {
		d.markConnected()
		d.InStream(s)
	})
	log.Info().
		Str("host", h.ID().String()).
		Any("address", h.Addrs()).
		Msg("Host created")
	return h, nil
}

// ShouldDial reports whether local opens the stream to remote.
func ShouldDial(local, remote peer.ID) bool {
	return local < remote
}

// ProcessOnePeer tries to open the signaling stream to one discovered peer.
func (d *Discover) ProcessOnePeer(ctx context.Context, h host.Host, info peer.AddrInfo) (shouldExit bool) {
	if info.ID == h.ID() || !ShouldDial(h.ID(), info.ID) {
		return false
	}

	log.Debug().Str("peer", info.String()).Msg("Found peer")
	if err := h.Connect(ctx, info); err != nil {
		log.Warn().Str("peer", info.String()).Err(err).Msg("Connection failed")
		return false
	}

	stream, err := h.NewStream(ctx, info.ID, protocol.ID(d.Cfg.ProtocolId))
	if err != nil {
		log.Warn().Str("peer", info.String()).Err(err).Msg("Failed to open signaling stream")
		return false
	}
	d.markConnected()
	go d.OutStream(stream)

	log.Info().Str("peer", info.String()).Msg("Connected to peer")
	return true
}
