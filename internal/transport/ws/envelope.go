package ws

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type envelopeType string

const (
	typeWelcome envelopeType = "welcome"
	typeJoined  envelopeType = "joined"
	typeLeft    envelopeType = "left"
	typeData    envelopeType = "data"
	typeError   envelopeType = "error"
)

// envelope is one binary websocket message between client and relay.
type envelope struct {
	Type         envelopeType `msgpack:"type"`
	From         string       `msgpack:"from,omitempty"`
	Topic        string       `msgpack:"topic,omitempty"`
	Reliable     bool         `msgpack:"reliable,omitempty"`
	Targets      []string     `msgpack:"targets,omitempty"`
	Participants []string     `msgpack:"participants,omitempty"`
	Data         []byte       `msgpack:"data,omitempty"`
	Error        string       `msgpack:"error,omitempty"`
}

func (e *envelope) marshal() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}
