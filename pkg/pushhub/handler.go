package pushhub

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an incoming request to a WebSocket connection and
// registers it with the hub. The optional "types" query parameter is a
// comma-separated allow-list of event types; omitted means accept all.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var filters map[string]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		filters = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			filters[strings.TrimSpace(t)] = true
		}
	}

	h.Connect(conn, filters)
}
