// Package session runs one call: it watches room membership, performs the
// mixer handshake, sends captured audio in fragments and plays what arrives.
// Everything mutable for the call (sequence counter, handshake gate,
// reassemblers, send group) lives on the Session, so a reconnect starts
// from a clean slate by building a new one.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay-call/internal/audio/capture"
	"relay-call/internal/audio/codec"
	"relay-call/internal/audio/config"
	"relay-call/internal/audio/playback"
	"relay-call/internal/handshake"
	"relay-call/internal/metrics"
	"relay-call/internal/reassembly"
	"relay-call/internal/transform"
	"relay-call/internal/transport"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMixerPrefix       = "mixer"
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultSendConcurrency   = 64

	keepaliveMessage = "Ping"
)

var ErrAlreadyRunning = errors.New("session is already running")

type Config struct {
	Audio config.AudioConfig
	// MixerPrefix marks the identity of the mixing peer.
	MixerPrefix string
	// RequireHandshake holds capture back until the mixer acks our materials
	// and sends audio to the mixer only.
	RequireHandshake  bool
	KeepaliveInterval time.Duration
	ReassemblyTimeout time.Duration
	// SendConcurrency bounds in-flight sends; audio is dropped above it.
	SendConcurrency int
}

func DefaultConfig(audio config.AudioConfig) Config {
	return Config{
		Audio:             audio,
		MixerPrefix:       DefaultMixerPrefix,
		RequireHandshake:  true,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ReassemblyTimeout: config.ReassemblyTimeout,
		SendConcurrency:   DefaultSendConcurrency,
	}
}

// Deps are the collaborators a session drives. Metrics may be nil.
type Deps struct {
	Transport  transport.Transport
	Capture    *capture.Pipeline
	Playback   *playback.Pipeline
	Codec      codec.Codec
	Transforms transform.Pair
	Materials  handshake.Materials
	Metrics    *metrics.Metrics
}

type Session struct {
	cfg  Config
	deps Deps

	gate  *handshake.Gate
	seq   atomic.Uint32
	muted atomic.Bool

	mu           sync.Mutex
	participants map[string]struct{}
	mixer        string
	reassemblers map[string]*inbound
	runCtx       context.Context
	cancel       context.CancelFunc
	running      bool

	// captureMu orders capture starts against teardown.
	captureMu sync.Mutex
	stopped   bool

	sends   *errgroup.Group
	sendCtx context.Context
	workers sync.WaitGroup
}

// inbound is the receive state for one remote sender.
type inbound struct {
	r      *reassembly.Reassembler
	cancel context.CancelFunc
}

// New builds a session. It starts muted.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Audio.Validate(); err != nil {
		return nil, fmt.Errorf("audio config: %w", err)
	}
	if deps.Transport == nil || deps.Capture == nil || deps.Playback == nil || deps.Codec == nil {
		return nil, errors.New("session needs a transport, capture, playback and codec")
	}
	if deps.Transforms.Outgoing == nil || deps.Transforms.Incoming == nil {
		deps.Transforms = transform.IdentityPair()
	}
	if cfg.MixerPrefix == "" {
		cfg.MixerPrefix = DefaultMixerPrefix
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = DefaultSendConcurrency
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = config.ReassemblyTimeout
	}

	s := &Session{
		cfg:          cfg,
		deps:         deps,
		gate:         handshake.NewGate(),
		participants: make(map[string]struct{}),
		reassemblers: make(map[string]*inbound),
	}
	s.muted.Store(true)
	return s, nil
}

// Run drives the session until the transport disconnects or ctx ends, then
// stops both pipelines and waits for outstanding sends.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, sendCtx := errgroup.WithContext(runCtx)
	group.SetLimit(s.cfg.SendConcurrency)
	s.runCtx, s.cancel, s.running = runCtx, cancel, true
	s.sends, s.sendCtx = group, sendCtx
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.HandshakeOpen.Set(0)
		m.Participants.Set(0)
		m.SetReassemblySource(s.ReassemblyStats)
		m.SetPlaybackSource(func() metrics.PlaybackStats {
			return metrics.PlaybackStats{
				Dropped:  s.deps.Playback.Dropped(),
				Played:   s.deps.Playback.Played(),
				QueueLen: s.deps.Playback.QueueLen(),
			}
		})
	}

	s.deps.Playback.Start(runCtx)
	defer s.teardown()

	log.Info().
		Str("identity", s.deps.Transport.Identity()).
		Str("profile", s.cfg.Audio.Profile.String()).
		Bool("require_handshake", s.cfg.RequireHandshake).
		Msg("Session started")

	events := s.deps.Transport.Events()
	for {
		select {
		case <-runCtx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("Transport closed, ending session")
				return nil
			}
			s.handle(runCtx, ev)
		}
	}
}

func (s *Session) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close ends Run and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.deps.Transport.Close()
}

func (s *Session) teardown() {
	s.captureMu.Lock()
	s.stopped = true
	s.deps.Capture.Stop()
	s.captureMu.Unlock()

	s.cancel()
	s.mu.Lock()
	for id, in := range s.reassemblers {
		in.cancel()
		delete(s.reassemblers, id)
	}
	s.mu.Unlock()
	s.workers.Wait()

	if err := s.sends.Wait(); err != nil {
		log.Debug().Err(err).Msg("Send group finished with error")
	}
	s.deps.Playback.Stop()

	if m := s.deps.Metrics; m != nil {
		m.SetReassemblySource(nil)
		m.SetPlaybackSource(nil)
	}
	log.Info().Msg("Session stopped")
}

func (s *Session) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.Connected:
		log.Info().Msg("Connected to room")
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.keepalive(ctx)
		}()
		if !s.muted.Load() {
			s.startCapture()
		}

	case transport.ParticipantConnected:
		s.onParticipantConnected(ev.Participant)

	case transport.ParticipantDisconnected:
		s.onParticipantDisconnected(ev.Participant)

	case transport.DataReceived:
		switch ev.Topic {
		case transport.TopicAudio:
			s.receiveAudio(ev.Participant, ev.Data)
		case transport.TopicSystem:
			s.receiveSystem(ev.Participant, ev.Data)
		case transport.TopicPing:
			log.Trace().Str("from", ev.Participant).Msg("Keepalive received")
		default:
			log.Debug().Str("topic", ev.Topic).Str("from", ev.Participant).Msg("Ignoring message on unknown topic")
		}

	case transport.Disconnected:
		log.Warn().Msg("Disconnected from room")
		s.deps.Capture.Stop()
		s.deps.Playback.Stop()
	}
}

func (s *Session) isMixer(identity string) bool {
	return strings.HasPrefix(identity, s.cfg.MixerPrefix)
}

func (s *Session) onParticipantConnected(id string) {
	s.mu.Lock()
	s.participants[id] = struct{}{}
	count := len(s.participants)
	mixer := s.isMixer(id)
	if mixer {
		s.mixer = id
	}
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.Participants.Set(float64(count))
	}
	log.Info().Str("participant", id).Bool("mixer", mixer).Msg("Participant connected")

	if mixer {
		s.sendHandshake(id)
	}
}

func (s *Session) onParticipantDisconnected(id string) {
	s.mu.Lock()
	delete(s.participants, id)
	count := len(s.participants)
	if s.mixer == id {
		s.mixer = ""
	}
	if in, ok := s.reassemblers[id]; ok {
		in.cancel()
		delete(s.reassemblers, id)
	}
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.Participants.Set(float64(count))
	}
	log.Info().Str("participant", id).Msg("Participant disconnected")
}

// SetMuted stops capture when muting and tries to start it when unmuting.
// Capture still waits for the handshake when one is required.
func (s *Session) SetMuted(muted bool) {
	s.muted.Store(muted)
	if muted {
		s.captureMu.Lock()
		s.deps.Capture.Stop()
		s.captureMu.Unlock()
		log.Info().Msg("Microphone muted")
		return
	}
	log.Info().Msg("Microphone unmuted")
	s.startCapture()
}

func (s *Session) Muted() bool {
	return s.muted.Load()
}

// ToggleMute flips the mute state and returns the new one.
func (s *Session) ToggleMute() bool {
	muted := !s.muted.Load()
	s.SetMuted(muted)
	return muted
}

// canCapture is the capture start guard.
func (s *Session) canCapture() bool {
	if s.muted.Load() {
		return false
	}
	return !s.cfg.RequireHandshake || s.gate.IsOpen()
}

func (s *Session) startCapture() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.stopped || s.deps.Capture.Running() {
		return
	}

	err := s.deps.Capture.Start(ctx, s.canCapture, s.sendFrame)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrNotReady):
		log.Info().Msg("Capture deferred until the mixer accepts the handshake")
	default:
		log.Error().Err(err).Msg("Failed to start capture")
	}
}

type Status struct {
	Muted         bool
	HandshakeOpen bool
	Capturing     bool
	Mixer         string
	Participants  int
	Sequence      uint32
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Muted:         s.muted.Load(),
		HandshakeOpen: s.gate.IsOpen(),
		Capturing:     s.deps.Capture.Running(),
		Mixer:         s.mixer,
		Participants:  len(s.participants),
		Sequence:      s.seq.Load(),
	}
}

// Gate exposes the handshake latch of this session.
func (s *Session) Gate() *handshake.Gate {
	return s.gate
}

// ReassemblyStats sums the stats of every sender's reassembler.
func (s *Session) ReassemblyStats() reassembly.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total reassembly.Stats
	for _, in := range s.reassemblers {
		st := in.r.Stats()
		total.Pending += st.Pending
		total.Completed += st.Completed
		total.Duplicates += st.Duplicates
		total.Evicted += st.Evicted
	}
	return total
}

func (s *Session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch([]byte(keepaliveMessage), transport.Reliable, transport.TopicPing, nil, true)
		}
	}
}
