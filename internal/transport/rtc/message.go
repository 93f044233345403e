package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalMessageType string

const (
	Handshake SignalMessageType = "handshake"
	Ack       SignalMessageType = "ack"
	Offer     SignalMessageType = "offer"
	Answer    SignalMessageType = "answer"
	ErrorMsg  SignalMessageType = "error_msg"
)

// Message travels over the libp2p signaling stream, length-prefixed JSON.
type Message struct {
	Type      SignalMessageType          `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	SessionID string                     `json:"session_id"`
	Identity  string                     `json:"identity,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

func (msg *Message) ToBytes() ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return data, nil
}
