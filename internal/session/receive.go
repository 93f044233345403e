package session

import (
	"context"
	"errors"

	"relay-call/internal/audio/playback"
	"relay-call/internal/handshake"
	"relay-call/internal/reassembly"

	"github.com/rs/zerolog/log"
)

// reassembler returns the receive state for sender, creating it and its
// sweeper on first use.
func (s *Session) reassembler(sender string) *reassembly.Reassembler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.reassemblers[sender]; ok {
		return in.r
	}
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	in := &inbound{r: reassembly.New(s.cfg.ReassemblyTimeout), cancel: cancel}
	s.reassemblers[sender] = in

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := in.r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("sender", sender).Msg("Reassembly sweeper stopped")
		}
	}()
	return in.r
}

func (s *Session) receiveAudio(sender string, data []byte) {
	m := s.deps.Metrics
	if m != nil {
		m.FragmentsReceived.Inc()
	}

	r := s.reassembler(sender)
	if r == nil {
		return
	}
	msg, complete, err := r.Push(data)
	if err != nil {
		if m != nil {
			m.MalformedFragments.Inc()
		}
		log.Debug().Err(err).Str("sender", sender).Int("bytes", len(data)).Msg("Dropping malformed fragment")
		return
	}
	if !complete {
		return
	}
	if m != nil {
		m.MessagesReassembled.Inc()
	}

	payload, err := s.deps.Transforms.Incoming.Apply(msg.Payload)
	if err != nil {
		if m != nil {
			m.TransformFailures.WithLabelValues("incoming").Inc()
		}
		log.Warn().Err(err).Str("sender", sender).Uint32("message", msg.ID).Msg("Incoming transform failed, dropping message")
		return
	}
	samples, err := s.deps.Codec.Decode(payload)
	if err != nil {
		if m != nil {
			m.DecodeFailures.Inc()
		}
		log.Warn().Err(err).Str("sender", sender).Uint32("message", msg.ID).Msg("Failed to decode audio")
		return
	}

	s.deps.Playback.Enqueue(playback.Item{
		Samples:    samples,
		SampleRate: msg.SampleRate,
		Channels:   msg.Channels,
	})
}

// receiveSystem handles control traffic. The only message we expect is the
// mixer's handshake acknowledgement.
func (s *Session) receiveSystem(sender string, data []byte) {
	if err := handshake.ParseAck(data); err != nil {
		log.Warn().Err(err).Str("sender", sender).Msg("Ignoring system message")
		return
	}
	if !s.gate.Open() {
		log.Debug().Str("sender", sender).Msg("Duplicate handshake acknowledgement")
		return
	}
	if m := s.deps.Metrics; m != nil {
		m.HandshakeOpen.Set(1)
	}
	log.Info().Str("sender", sender).Msg("Mixer accepted handshake")

	if !s.muted.Load() {
		s.startCapture()
	}
}
