package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"relay-call/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrRejected = errors.New("relay rejected the connection")

type DialOptions struct {
	// InsecureSkipVerify accepts the relay's self-signed certificate.
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
}

// Client is a transport.Transport backed by a Relay connection.
type Client struct {
	identity string
	conn     *websocket.Conn

	writeMu sync.Mutex
	events  chan transport.Event
	done    chan struct{}
	once    sync.Once
}

// RoomURL builds the relay URL for room and identity from a base such as
// ws://host:port or wss://host:port.
func RoomURL(base, room, identity string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	u = u.JoinPath("rooms", room)
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the relay and waits for the welcome message, so a
// returned Client is already a room member.
func Dial(ctx context.Context, base, room, identity string, opts DialOptions) (*Client, error) {
	target, err := RoomURL(base, room, identity)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   1024 * 16,
		WriteBufferSize:  1024 * 16,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", transport.ErrUnavailable, err)
	}

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		identity: identity,
		conn:     conn,
		events:   make(chan transport.Event, 64),
		done:     make(chan struct{}),
	}
	c.events <- transport.Event{Kind: transport.Connected}
	go c.readPump(welcome.Participants)

	log.Info().Str("relay", base).Str("room", room).Str("identity", identity).Msg("Connected to relay")
	return c, nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (envelope, error) {
	deadline := time.Now().Add(pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, message, err := conn.ReadMessage()
	if err != nil {
		return envelope{}, fmt.Errorf("%w: read welcome: %v", transport.ErrUnavailable, err)
	}
	env, err := unmarshalEnvelope(message)
	if err != nil {
		return envelope{}, err
	}
	switch env.Type {
	case typeWelcome:
		return env, nil
	case typeError:
		return envelope{}, fmt.Errorf("%w: %s", ErrRejected, env.Error)
	default:
		return envelope{}, fmt.Errorf("%w: expected welcome, got %q", ErrRejected, env.Type)
	}
}

func (c *Client) Identity() string { return c.identity }

func (c *Client) Events() <-chan transport.Event { return c.events }

func (c *Client) Send(ctx context.Context, data []byte, rel transport.Reliability, topic string, targets ...string) error {
	select {
	case <-c.done:
		return transport.ErrUnavailable
	default:
	}

	msg, err := (&envelope{
		Type:     typeData,
		Topic:    topic,
		Reliable: rel == transport.Reliable,
		Targets:  targets,
		Data:     data,
	}).marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

func (c *Client) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) readPump(present []string) {
	defer func() {
		// buffered, so a reader that already left does not block shutdown
		select {
		case c.events <- transport.Event{Kind: transport.Disconnected}:
		default:
		}
		close(c.events)
		c.conn.Close()
	}()

	for _, id := range present {
		if !c.emit(transport.Event{Kind: transport.ParticipantConnected, Participant: id}) {
			return
		}
	}

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Msg("Relay connection lost")
			}
			return
		}
		env, err := unmarshalEnvelope(message)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable relay message")
			continue
		}

		var ev transport.Event
		switch env.Type {
		case typeJoined:
			ev = transport.Event{Kind: transport.ParticipantConnected, Participant: env.From}
		case typeLeft:
			ev = transport.Event{Kind: transport.ParticipantDisconnected, Participant: env.From}
		case typeData:
			ev = transport.Event{Kind: transport.DataReceived, Participant: env.From, Topic: env.Topic, Data: env.Data}
		default:
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}
