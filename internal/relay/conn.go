package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 15*time.Second
	writeWait    = 10 * time.Second
)

// Conn is one sync client. Writes are serialized by a mutex because
// broadcasts, protocol replies and heartbeat pings come from different
// goroutines.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool

	// awareness client ids observed from this socket; their leave entries
	// are broadcast when the socket closes
	idsMu     sync.Mutex
	clientIDs map[uint64]struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, clientIDs: make(map[uint64]struct{})}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

// Send writes one binary protocol frame. Errors mark the conn closed; the
// read loop notices on its next read.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// Ping sends a heartbeat control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith sends a close frame and tears the socket down.
func (c *Conn) CloseWith(code int, reason string) {
	c.writeMu.Lock()
	if !c.closed {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.closed = true
	}
	c.writeMu.Unlock()
	c.ws.Close()
}

// TrackClient records an awareness client id seen on this socket.
func (c *Conn) TrackClient(id uint64) {
	c.idsMu.Lock()
	c.clientIDs[id] = struct{}{}
	c.idsMu.Unlock()
}

// ClientIDs returns the awareness client ids this socket contributed.
func (c *Conn) ClientIDs() []uint64 {
	c.idsMu.Lock()
	defer c.idsMu.Unlock()
	ids := make([]uint64, 0, len(c.clientIDs))
	for id := range c.clientIDs {
		ids = append(ids, id)
	}
	return ids
}
