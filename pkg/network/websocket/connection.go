package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the socket with write deadlines.
// The reader pump owns its read side and the writer pump its write side.
type wsConn struct {
	sock *websocket.Conn
	wait time.Duration
}

// keepAlive limits incoming messages and extends the read deadline on every pong.
func (c wsConn) keepAlive(limit int64, pong time.Duration) {
	c.sock.SetReadLimit(limit)
	extend := func(string) error { return c.sock.SetReadDeadline(time.Now().Add(pong)) }
	_ = extend("")
	c.sock.SetPongHandler(extend)
}

func (c wsConn) read() ([]byte, error) {
	_, message, err := c.sock.ReadMessage()
	return message, err
}

func (c wsConn) write(kind int, data []byte) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.wait)); err != nil {
		return err
	}
	return c.sock.WriteMessage(kind, data)
}

// goodbye sends the close frame and gives the peer a moment to answer.
func (c wsConn) goodbye() {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.sock.SetReadDeadline(time.Now().Add(c.wait))
}

func (c wsConn) close() error { return c.sock.Close() }
