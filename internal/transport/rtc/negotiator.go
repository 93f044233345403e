package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	signalTimeout    = 30 * time.Second
	gatheringTimeout = 45 * time.Second
)

// Negotiator runs the identity handshake and the offer/answer exchange for
// one peer connection over a signaling stream. ICE is not trickled: the
// description is sent once gathering completes.
type Negotiator struct {
	pc       *webrtc.PeerConnection
	stream   *StreamHandler
	identity string
	pending  []Message
}

func NewNegotiator(pc *webrtc.PeerConnection, stream *StreamHandler, identity string) *Negotiator {
	return &Negotiator{pc: pc, stream: stream, identity: identity}
}

func (n *Negotiator) next(ctx context.Context) (Message, error) {
	if len(n.pending) > 0 {
		msg := n.pending[0]
		n.pending = n.pending[1:]
		return msg, nil
	}
	select {
	case msg, ok := <-n.stream.Incoming():
		if !ok {
			return Message{}, ErrSignalClosed
		}
		if msg.Type == ErrorMsg {
			return Message{}, fmt.Errorf("remote signaling error: %s", msg.Error)
		}
		return msg, nil
	case <-time.After(signalTimeout):
		return Message{}, fmt.Errorf("timeout waiting for signaling message")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Handshake exchanges identities. Both sides send a handshake, answer the
// other's handshake with an ack and wait for the ack to their own.
func (n *Negotiator) Handshake(ctx context.Context) (string, error) {
	if err := n.stream.SendMessage(Message{Type: Handshake, Identity: n.identity}); err != nil {
		return "", fmt.Errorf("send handshake: %w", err)
	}
	log.Debug().Msg("Handshake sent")

	var remote string
	gotAck := false
	var deferred []Message
	for remote == "" || !gotAck {
		msg, err := n.next(ctx)
		if err != nil {
			return "", err
		}
		switch msg.Type {
		case Handshake:
			log.Info().Str("remote", msg.Identity).Msg("Received handshake")
			remote = msg.Identity
			if err := n.stream.SendMessage(Message{Type: Ack, Identity: n.identity}); err != nil {
				return "", fmt.Errorf("send ack: %w", err)
			}
		case Ack:
			log.Info().Msg("Received ACK")
			gotAck = true
		default:
			deferred = append(deferred, msg)
		}
	}
	n.pending = append(n.pending, deferred...)

	if remote == "" {
		return "", fmt.Errorf("remote sent an empty identity")
	}
	return remote, nil
}

func (n *Negotiator) CreateOffer(ctx context.Context) error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err = n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	n.waitForICEGathering(ctx)

	if err := n.stream.SendMessage(Message{Type: Offer, SDP: n.pc.LocalDescription()}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Info().Msg("Offer sent, waiting for answer...")

	for {
		msg, err := n.next(ctx)
		if err != nil {
			return fmt.Errorf("waiting for answer: %w", err)
		}
		if msg.Type != Answer || msg.SDP == nil {
			log.Debug().Str("type", string(msg.Type)).Msg("Ignoring signaling message while waiting for answer")
			continue
		}
		if err := n.pc.SetRemoteDescription(*msg.SDP); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		log.Info().Msg("Answer processed successfully")
		return nil
	}
}

func (n *Negotiator) AcceptOffer(ctx context.Context) error {
	log.Info().Msg("Waiting for offer...")

	var offer Message
	for {
		msg, err := n.next(ctx)
		if err != nil {
			return fmt.Errorf("waiting for offer: %w", err)
		}
		if msg.Type == Offer && msg.SDP != nil {
			offer = msg
			break
		}
		log.Debug().Str("type", string(msg.Type)).Msg("Ignoring signaling message while waiting for offer")
	}

	if err := n.pc.SetRemoteDescription(*offer.SDP); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err = n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	log.Info().Msg("Gathering ICE candidates...")
	n.waitForICEGathering(ctx)

	if err := n.stream.SendMessage(Message{Type: Answer, SDP: n.pc.LocalDescription()}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	log.Info().Msg("Answer sent")
	return nil
}

func (n *Negotiator) waitForICEGathering(ctx context.Context) {
	select {
	case <-webrtc.GatheringCompletePromise(n.pc):
		log.Info().Msg("ICE candidates gathered")
	case <-time.After(gatheringTimeout):
		log.Warn().Msg("ICE gathering timeout")
	case <-ctx.Done():
	}
}
