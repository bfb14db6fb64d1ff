package console

import (
	"sync"

	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/network"
	"github.com/filmbot/appliance/pkg/network/websocket"
	"github.com/goccy/go-json"
)

// Hub keeps the websocket clients of the page
// and sends them every new status.
type Hub struct {
	mu      sync.Mutex
	clients map[network.Uid]*websocket.WS
	last    []byte
	log     *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{clients: make(map[network.Uid]*websocket.WS), log: log}
}

// Message is what the clients get.
type Message struct {
	T    string `json:"t"`
	Data any    `json:"data,omitempty"`
}

func (h *Hub) Add(ws *websocket.WS) {
	h.mu.Lock()
	h.clients[ws.Id()] = ws
	last := h.last
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("ws", ws.Id().Short()).Msgf("Console client connected (%v)", n)
	if last != nil {
		ws.Write(last)
	}
	go func() {
		<-ws.Done
		h.mu.Lock()
		delete(h.clients, ws.Id())
		h.mu.Unlock()
		h.log.Info().Str("ws", ws.Id().Short()).Msg("Console client left")
	}()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends the status to all, slow clients skip it.
func (h *Hub) Broadcast(s *Snapshot) {
	data, err := json.Marshal(Message{T: "status", Data: s})
	if err != nil {
		h.log.Error().Err(err).Msg("Status marshal")
		return
	}
	h.mu.Lock()
	h.last = data
	for _, c := range h.clients {
		c.Write(data)
	}
	h.mu.Unlock()
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.Close()
	}
}
