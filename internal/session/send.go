package session

import (
	"relay-call/internal/fragment"
	"relay-call/internal/handshake"
	"relay-call/internal/transport"

	"github.com/rs/zerolog/log"
)

// sendFrame runs on the capture goroutine for every captured frame.
func (s *Session) sendFrame(frame []float32) {
	m := s.deps.Metrics
	if m != nil {
		m.FramesCaptured.Inc()
	}

	payload, err := s.deps.Codec.Encode(frame)
	if err != nil {
		log.Error().Err(err).Str("codec", s.deps.Codec.Name()).Msg("Failed to encode frame")
		return
	}
	payload, err = s.deps.Transforms.Outgoing.Apply(payload)
	if err != nil {
		if m != nil {
			m.TransformFailures.WithLabelValues("outgoing").Inc()
		}
		log.Error().Err(err).Msg("Outgoing transform failed, dropping frame")
		return
	}
	if m != nil {
		m.PayloadBytes.Observe(float64(len(payload)))
	}

	targets, ok := s.audioTargets()
	if !ok {
		return
	}

	id := s.seq.Add(1) - 1
	meta := fragment.Metadata{
		SampleRate: s.cfg.Audio.SampleRate,
		Channels:   s.cfg.Audio.Channels,
	}
	rel := transport.Reliable
	if s.cfg.Audio.LossyAudio {
		rel = transport.Lossy
	}
	for _, frag := range fragment.Encode(payload, s.cfg.Audio.MaxFragmentBytes, meta, id) {
		s.dispatch(frag, rel, transport.TopicAudio, targets, true)
	}
}

// audioTargets picks the recipients of outgoing audio. With a handshake
// required only the mixer gets audio; otherwise it goes to the whole room.
func (s *Session) audioTargets() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mixer != "" {
		return []string{s.mixer}, true
	}
	if s.cfg.RequireHandshake {
		log.Debug().Msg("No mixer in the room, dropping frame")
		return nil, false
	}
	return nil, true
}

// dispatch hands one message to the send group. Best-effort messages are
// dropped when the group is saturated instead of stalling the caller.
func (s *Session) dispatch(data []byte, rel transport.Reliability, topic string, targets []string, bestEffort bool) {
	if s.sendCtx.Err() != nil {
		return
	}
	task := func() error {
		s.send(data, rel, topic, targets)
		return nil
	}
	if !bestEffort {
		s.sends.Go(task)
		return
	}
	if !s.sends.TryGo(task) {
		s.sendFailed(topic, nil)
	}
}

func (s *Session) send(data []byte, rel transport.Reliability, topic string, targets []string) bool {
	if err := s.deps.Transport.Send(s.sendCtx, data, rel, topic, targets...); err != nil {
		s.sendFailed(topic, err)
		return false
	}
	if topic == transport.TopicAudio && s.deps.Metrics != nil {
		s.deps.Metrics.FragmentsSent.Inc()
	}
	return true
}

func (s *Session) sendFailed(topic string, err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SendFailures.WithLabelValues(topic).Inc()
	}
	ev := log.Debug().Str("topic", topic)
	if err == nil {
		ev.Msg("Send group saturated, message dropped")
		return
	}
	ev.Err(err).Msg("Send failed")
}

// sendHandshake delivers our key materials to the mixer. The chunks are sent
// in order from a single task so the mixer can rebuild them.
func (s *Session) sendHandshake(mixer string) {
	packets := handshake.BuildPackets(s.deps.Materials, s.cfg.Audio.MaxFragmentBytes)
	log.Info().
		Str("mixer", mixer).
		Int("packets", len(packets)).
		Int("public_key_bytes", len(s.deps.Materials.PublicKey)).
		Int("crypto_context_bytes", len(s.deps.Materials.CryptoContext)).
		Msg("Sending handshake to mixer")

	if s.sendCtx.Err() != nil {
		return
	}
	s.sends.Go(func() error {
		for i, pkt := range packets {
			if !s.send(pkt, transport.Reliable, transport.TopicSystem, []string{mixer}) {
				log.Error().Int("packet", i).Str("mixer", mixer).Msg("Handshake send failed, aborting")
				return nil
			}
		}
		log.Debug().Str("mixer", mixer).Msg("Handshake sent")
		return nil
	})
}
