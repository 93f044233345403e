// Package transport defines the room transport the call session talks to:
// named topics, best-effort or reliable delivery, and membership events.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("transport unavailable")

const (
	TopicAudio  = "audio"
	TopicSystem = "system"
	TopicPing   = "ping"
)

type Reliability int

const (
	Lossy Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	switch r {
	case Lossy:
		return "lossy"
	case Reliable:
		return "reliable"
	default:
		return fmt.Sprintf("reliability(%d)", int(r))
	}
}

type EventKind int

const (
	Connected EventKind = iota + 1
	Disconnected
	ParticipantConnected
	ParticipantDisconnected
	DataReceived
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ParticipantConnected:
		return "participant_connected"
	case ParticipantDisconnected:
		return "participant_disconnected"
	case DataReceived:
		return "data_received"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one membership change or one received message. Participant is
// the identity the event is about; for DataReceived it is the sender.
type Event struct {
	Kind        EventKind
	Participant string
	Topic       string
	Data        []byte
}

// Transport sends byte messages to everyone in the room or to targets.
// The Events channel is closed after the final Disconnected event.
type Transport interface {
	Identity() string
	Send(ctx context.Context, data []byte, rel Reliability, topic string, targets ...string) error
	Events() <-chan Event
	Close() error
}
