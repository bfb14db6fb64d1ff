package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/network"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendQueue      = 8
)

// WS is a server side websocket connection of the console page.
type WS struct {
	id   network.Uid
	conn wsConn
	send chan []byte
	log  *logger.Logger

	OnMessage MessageHandler

	mu       sync.Mutex
	closed   bool
	once     sync.Once
	shutdown sync.WaitGroup
	Done     chan struct{}
}

type MessageHandler func(message []byte)

type Upgrader struct{ websocket.Upgrader }

// NewUpgrader accepts same origin pages only.
func NewUpgrader() *Upgrader {
	return &Upgrader{websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		WriteBufferPool: &sync.Pool{},
	}}
}

// NewServer upgrades the request, call Listen to start the pumps.
func (u *Upgrader) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	id := network.NewUid()
	return &WS{
		id:        id,
		conn:      wsConn{sock: conn, wait: writeWait},
		send:      make(chan []byte, sendQueue),
		log:       log.Extend(log.With().Str("ws", id.Short())),
		OnMessage: func([]byte) {},
		Done:      make(chan struct{}),
	}, nil
}

func (ws *WS) Id() network.Uid { return ws.id }

func (ws *WS) Listen() {
	ws.shutdown.Add(2)
	go ws.writer()
	go ws.reader()
	go func() {
		ws.shutdown.Wait()
		_ = ws.conn.close()
		close(ws.Done)
	}()
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.Close()
		ws.shutdown.Done()
	}()
	ws.conn.keepAlive(maxMessageSize, pongTime)
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Warn().Err(err).Msg("WebSocket read")
			}
			return
		}
		ws.OnMessage(message)
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	ticker := time.NewTicker(pingTime)
	defer func() {
		ticker.Stop()
		ws.shutdown.Done()
	}()
	for {
		select {
		case message, ok := <-ws.send:
			if !ok {
				ws.conn.goodbye()
				return
			}
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				ws.log.Debug().Err(err).Msg("WebSocket write")
				_ = ws.conn.close()
				return
			}
		case <-ticker.C:
			if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
				_ = ws.conn.close()
				return
			}
		}
	}
}

// Write queues the message or drops it when the client is too slow.
func (ws *WS) Write(data []byte) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	select {
	case ws.send <- data:
		return true
	default:
		return false
	}
}

// Close makes the writer say goodbye and finish.
func (ws *WS) Close() {
	ws.once.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		close(ws.send)
		ws.mu.Unlock()
	})
}
