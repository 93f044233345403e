package rtc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

const maxSignalMessage = 1 << 20

var ErrSignalClosed = errors.New("signaling stream closed")

// StreamHandler exchanges signaling messages over one bidirectional stream.
// Frames are a big-endian u32 length followed by a JSON Message.
type StreamHandler struct {
	rw        *bufio.ReadWriter
	closer    io.Closer
	writeMu   sync.Mutex
	incoming  chan Message
	sessionID string
}

func NewStreamHandler(stream io.ReadWriteCloser, sessionID string) *StreamHandler {
	sh := &StreamHandler{
		rw:        bufio.NewReadWriter(bufio.NewReader(stream), bufio.NewWriter(stream)),
		closer:    stream,
		incoming:  make(chan Message, 10),
		sessionID: sessionID,
	}
	go sh.handleRead()
	return sh
}

// Incoming yields received messages and is closed when the stream ends.
func (sh *StreamHandler) Incoming() <-chan Message {
	return sh.incoming
}

func (sh *StreamHandler) handleRead() {
	defer close(sh.incoming)
	defer log.Debug().Msg("Signaling read loop exited")

	for {
		var length uint32
		if err := binary.Read(sh.rw, binary.BigEndian, &length); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("Error reading message length")
			}
			return
		}
		if length > maxSignalMessage {
			log.Error().Uint32("length", length).Msg("Signaling message too large")
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(sh.rw, payload); err != nil {
			log.Error().Err(err).Msg("Error reading payload")
			return
		}

		var message Message
		if err := json.Unmarshal(bytes.TrimSpace(payload), &message); err != nil {
			log.Error().Err(err).Msg("Error unmarshaling message")
			continue
		}
		log.Debug().Str("type", string(message.Type)).Msg("Received signaling message")
		sh.incoming <- message
	}
}

func (sh *StreamHandler) SendMessage(msg Message) error {
	msg.SessionID = sh.sessionID
	data, err := msg.ToBytes()
	if err != nil {
		return err
	}

	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	if err := binary.Write(sh.rw, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := sh.rw.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	if err := sh.rw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (sh *StreamHandler) Close() error {
	return sh.closer.Close()
}
