// Package ws carries room traffic over websockets. Relay is the server side
// that keeps room membership and routes messages; Client is a
// transport.Transport connected to it.
package ws

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBacklog    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	ReadBufferSize:    1024 * 16,
	WriteBufferSize:   1024 * 16,
	EnableCompression: false, // audio does not compress
}

// Relay serves rooms at /rooms/{room}?identity={identity}.
type Relay struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member
}

func NewRelay() *Relay {
	return &Relay{rooms: make(map[string]map[string]*member)}
}

type member struct {
	identity string
	room     string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (m *member) shutdown() {
	m.once.Do(func() { close(m.done) })
}

// enqueue never blocks. A reliable message that does not fit disconnects
// the member instead of silently losing it.
func (m *member) enqueue(data []byte, reliable bool) {
	select {
	case m.send <- data:
	case <-m.done:
	default:
		if reliable {
			log.Warn().Str("identity", m.identity).Msg("Member too slow for reliable traffic, disconnecting")
			m.shutdown()
			return
		}
		log.Debug().Str("identity", m.identity).Msg("Member backlog full, dropping lossy message")
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	room, ok := strings.CutPrefix(req.URL.Path, "/rooms/")
	identity := req.URL.Query().Get("identity")
	if !ok || room == "" || strings.Contains(room, "/") || identity == "" {
		http.Error(w, "expected /rooms/{room}?identity={identity}", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	m := &member{
		identity: identity,
		room:     room,
		conn:     conn,
		send:     make(chan []byte, sendBacklog),
		done:     make(chan struct{}),
	}
	if err := r.join(m); err != nil {
		msg, _ := (&envelope{Type: typeError, Error: err.Error()}).marshal()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.BinaryMessage, msg)
		conn.Close()
		return
	}

	go m.writePump()
	r.readPump(m)
}

var errIdentityTaken = errors.New("identity already present in room")

func (r *Relay) join(m *member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[m.room]
	if members == nil {
		members = make(map[string]*member)
		r.rooms[m.room] = members
	}
	if _, ok := members[m.identity]; ok {
		return errIdentityTaken
	}

	present := make([]string, 0, len(members))
	for id := range members {
		present = append(present, id)
	}
	slices.Sort(present)

	welcome, err := (&envelope{Type: typeWelcome, Participants: present}).marshal()
	if err != nil {
		return err
	}
	m.enqueue(welcome, true)

	joined, err := (&envelope{Type: typeJoined, From: m.identity}).marshal()
	if err != nil {
		return err
	}
	for _, other := range members {
		other.enqueue(joined, true)
	}
	members[m.identity] = m

	log.Info().Str("room", m.room).Str("identity", m.identity).Int("members", len(members)).Msg("Member joined")
	return nil
}

func (r *Relay) leave(m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[m.room]
	if members[m.identity] != m {
		return
	}
	delete(members, m.identity)
	if len(members) == 0 {
		delete(r.rooms, m.room)
	}

	left, err := (&envelope{Type: typeLeft, From: m.identity}).marshal()
	if err == nil {
		for _, other := range members {
			other.enqueue(left, true)
		}
	}
	log.Info().Str("room", m.room).Str("identity", m.identity).Msg("Member left")
}

func (r *Relay) route(from *member, env envelope) {
	env.From = from.identity
	targets := env.Targets
	env.Targets = nil
	data, err := env.marshal()
	if err != nil {
		log.Error().Err(err).Msg("Failed to re-encode envelope")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[from.room]
	if len(targets) == 0 {
		for id, other := range members {
			if id != from.identity {
				other.enqueue(data, env.Reliable)
			}
		}
		return
	}
	for _, id := range targets {
		if other, ok := members[id]; ok && id != from.identity {
			other.enqueue(data, env.Reliable)
		}
	}
}

func (r *Relay) readPump(m *member) {
	defer func() {
		r.leave(m)
		m.shutdown()
		m.conn.Close()
	}()

	m.conn.SetReadLimit(maxMessageSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("identity", m.identity).Msg("Read error")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			log.Debug().Int("type", messageType).Msg("Ignoring non-binary message")
			continue
		}

		env, err := unmarshalEnvelope(message)
		if err != nil {
			log.Warn().Err(err).Str("identity", m.identity).Msg("Dropping undecodable message")
			continue
		}
		if env.Type != typeData {
			continue
		}
		r.route(m, env)
	}
}

func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case data := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Debug().Err(err).Str("identity", m.identity).Msg("Write error")
				m.shutdown()
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.shutdown()
				return
			}
		case <-m.done:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Rooms reports member counts per room.
func (r *Relay) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.rooms))
	for name, members := range r.rooms {
		out[name] = len(members)
	}
	return out
}
