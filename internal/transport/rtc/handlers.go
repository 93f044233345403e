package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const statsInterval = 60 * time.Second

// handleIceCandidate logs how each gathered candidate would reach the peer.
func handleIceCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	var connType string
	switch candidate.Typ {
	case webrtc.ICECandidateTypeHost:
		connType = "Direct" // local network or public ip
	case webrtc.ICECandidateTypeSrflx:
		connType = "STUN"
	case webrtc.ICECandidateTypeRelay:
		connType = "TURN"
	case webrtc.ICECandidateTypePrflx:
		connType = "Peer"
	default:
		connType = "Undefined"
	}

	log.Debug().
		Str("type", connType).
		Str("protocol", candidate.Protocol.String()).
		Str("address", candidate.Address).
		Uint16("port", candidate.Port).
		Uint32("priority", candidate.Priority).
		Msg("New ICE candidate gathered")
}

func handleIceConnectionStateChange(state webrtc.ICEConnectionState) {
	log.Info().Str("state", state.String()).Msg("ICE state changed")
}

// logStat periodically logs data channel statistics until done is closed.
func logStat(pc *webrtc.PeerConnection, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for _, stat := range pc.GetStats() {
			if dc, ok := stat.(webrtc.DataChannelStats); ok {
				log.Debug().
					Str("label", dc.Label).
					Uint32("messages_sent", dc.MessagesSent).
					Uint64("bytes_sent", dc.BytesSent).
					Uint32("messages_received", dc.MessagesReceived).
					Uint64("bytes_received", dc.BytesReceived).
					Msg("Data channel stats")
			}
		}
	}
}
