package web

import (
	"html/template"
	"net/http"
	"sort"

	"relay-call/tmplt"

	"github.com/rs/zerolog/log"
)

var page = template.Must(template.New("relay").Parse(tmplt.RelayPage))

type Room struct {
	Name    string
	Members int
}

type PageData struct {
	Rooms          []Room
	Members        int
	Scheme         string
	Host           string
	RefreshSeconds int
}

// NewStatusHandler renders the relay overview page from the room counts
// returned by rooms.
func NewStatusHandler(rooms func() map[string]int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := PageData{Scheme: "ws", Host: r.Host, RefreshSeconds: 5}
		if r.TLS != nil {
			data.Scheme = "wss"
		}
		for name, n := range rooms() {
			data.Rooms = append(data.Rooms, Room{Name: name, Members: n})
			data.Members += n
		}
		sort.Slice(data.Rooms, func(i, j int) bool { return data.Rooms[i].Name < data.Rooms[j].Name })

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := page.Execute(w, data); err != nil {
			log.Error().Err(err).Msg("Failed to render relay page")
		}
	})
}
