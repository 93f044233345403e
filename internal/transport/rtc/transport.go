// Package rtc is a transport.Transport over WebRTC data channels to one
// remote peer. Peers find each other with libp2p (mDNS, then the DHT) and
// run the offer/answer exchange over a libp2p stream.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"relay-call/internal/p2p/discovery"
	"relay-call/internal/transport"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const lossySuffix = "#lossy"

// channelSpecs lists every data channel the offerer creates. Lossy audio
// gets its own unordered channel without retransmissions.
var channelSpecs = []struct {
	topic string
	rel   transport.Reliability
}{
	{transport.TopicAudio, transport.Lossy},
	{transport.TopicAudio, transport.Reliable},
	{transport.TopicSystem, transport.Reliable},
	{transport.TopicPing, transport.Reliable},
}

func label(topic string, rel transport.Reliability) string {
	if rel == transport.Lossy {
		return topic + lossySuffix
	}
	return topic
}

func topicOf(label string) string {
	if len(label) > len(lossySuffix) && label[len(label)-len(lossySuffix):] == lossySuffix {
		return label[:len(label)-len(lossySuffix)]
	}
	return label
}

type Config struct {
	Room        string
	ICEServers  []webrtc.ICEServer
	MDNSTimeout time.Duration
}

type Transport struct {
	identity string
	remote   string
	pc       *webrtc.PeerConnection
	disc     *discovery.DiscoverManager
	signal   *StreamHandler

	chMu     sync.RWMutex
	channels map[string]*webrtc.DataChannel
	open     int
	ready    bool

	mu        sync.RWMutex
	closed    bool
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

type dialedStream struct {
	stream  network.Stream
	offerer bool
}

// Connect discovers a peer in cfg.Room, negotiates a peer connection with it
// and returns once signaling is done. Connected and ParticipantConnected
// follow when every data channel is open.
func Connect(ctx context.Context, identity string, cfg Config) (*Transport, error) {
	streams := make(chan dialedStream, 1)
	offer := func(offerer bool) func(network.Stream) {
		return func(s network.Stream) {
			select {
			case streams <- dialedStream{stream: s, offerer: offerer}:
			default:
				log.Warn().Str("peer", s.Conn().RemotePeer().String()).Msg("Already signaling with a peer, resetting stream")
				_ = s.Reset()
			}
		}
	}

	dm, err := discovery.NewDiscover(cfg.Room, offer(true), offer(false))
	if err != nil {
		return nil, err
	}
	if cfg.MDNSTimeout > 0 {
		dm.MDNSTimeout = cfg.MDNSTimeout
	}
	if err := dm.StartDiscovery(ctx); err != nil {
		dm.Close()
		return nil, fmt.Errorf("%w: discovery: %v", transport.ErrUnavailable, err)
	}

	var ds dialedStream
	select {
	case ds = <-streams:
	case <-ctx.Done():
		dm.Close()
		return nil, ctx.Err()
	}

	return negotiate(ctx, identity, cfg, ds, dm)
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		time.Second*60, // disconnected timeout upped for double NAT
		time.Second*30, // failed timeout
		time.Second*5,  // keepalive interval
	)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	return pc, nil
}

// negotiate owns dm from here on: it is closed on failure or by Transport.Close.
func negotiate(ctx context.Context, identity string, cfg Config, ds dialedStream, dm *discovery.DiscoverManager) (*Transport, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		dm.Close()
		return nil, err
	}

	sessionID := uuid.NewString()
	signal := NewStreamHandler(ds.stream, sessionID)
	neg := NewNegotiator(pc, signal, identity)

	remote, err := neg.Handshake(ctx)
	if err != nil {
		pc.Close()
		signal.Close()
		dm.Close()
		return nil, fmt.Errorf("signaling handshake: %w", err)
	}

	t := &Transport{
		identity: identity,
		remote:   remote,
		pc:       pc,
		disc:     dm,
		signal:   signal,
		channels: make(map[string]*webrtc.DataChannel),
		events:   make(chan transport.Event, 64),
		done:     make(chan struct{}),
	}
	t.setupEventHandlers()

	if ds.offerer {
		for _, spec := range channelSpecs {
			init := &webrtc.DataChannelInit{}
			if spec.rel == transport.Lossy {
				ordered := false
				retransmits := uint16(0)
				init.Ordered = &ordered
				init.MaxRetransmits = &retransmits
			}
			dc, err := pc.CreateDataChannel(label(spec.topic, spec.rel), init)
			if err != nil {
				t.Close()
				return nil, fmt.Errorf("create %s data channel: %w", spec.topic, err)
			}
			t.register(dc)
		}
		err = neg.CreateOffer(ctx)
	} else {
		pc.OnDataChannel(t.register)
		err = neg.AcceptOffer(ctx)
	}
	if err != nil {
		t.Close()
		return nil, err
	}

	log.Info().
		Str("identity", identity).
		Str("remote", remote).
		Bool("offerer", ds.offerer).
		Str("session_id", sessionID).
		Msg("Signaling complete")
	return t, nil
}

func (t *Transport) setupEventHandlers() {
	t.pc.OnICECandidate(handleIceCandidate)
	t.pc.OnICEConnectionStateChange(handleIceConnectionStateChange)
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("state", state.String()).Msg("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			go t.shutdown()
		}
	})
	go logStat(t.pc, t.done)
}

func (t *Transport) register(dc *webrtc.DataChannel) {
	t.chMu.Lock()
	t.channels[dc.Label()] = dc
	t.chMu.Unlock()

	topic := topicOf(dc.Label())
	dc.OnOpen(func() {
		log.Debug().Str("label", dc.Label()).Msg("Data channel open")
		t.chMu.Lock()
		t.open++
		allOpen := !t.ready && t.open == len(channelSpecs)
		if allOpen {
			t.ready = true
		}
		t.chMu.Unlock()
		if allOpen {
			t.emit(transport.Event{Kind: transport.Connected})
			t.emit(transport.Event{Kind: transport.ParticipantConnected, Participant: t.remote})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(transport.Event{
			Kind:        transport.DataReceived,
			Participant: t.remote,
			Topic:       topic,
			Data:        msg.Data,
		})
	})
}

func (t *Transport) Identity() string { return t.identity }

// Remote is the identity the peer announced during signaling.
func (t *Transport) Remote() string { return t.remote }

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) Send(ctx context.Context, data []byte, rel transport.Reliability, topic string, targets ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(targets) > 0 && !slices.Contains(targets, t.remote) {
		return nil
	}

	t.chMu.RLock()
	dc, ok := t.channels[label(topic, rel)]
	if !ok {
		dc, ok = t.channels[topic]
	}
	t.chMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no data channel for topic %q", transport.ErrUnavailable, topic)
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: data channel %q is %s", transport.ErrUnavailable, dc.Label(), dc.ReadyState())
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) Close() error {
	t.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)

		var errs []error
		if err := t.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := t.signal.Close(); err != nil {
			errs = append(errs, err)
		}
		if t.disc != nil {
			if err := t.disc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			log.Debug().Err(err).Msg("Errors while closing peer connection")
		}

		t.mu.Lock()
		t.closed = true
		for _, ev := range []transport.Event{
			{Kind: transport.ParticipantDisconnected, Participant: t.remote},
			{Kind: transport.Disconnected},
		} {
			select {
			case t.events <- ev:
			default:
			}
		}
		close(t.events)
		t.mu.Unlock()
		log.Info().Str("remote", t.remote).Msg("Peer connection closed")
	})
}
