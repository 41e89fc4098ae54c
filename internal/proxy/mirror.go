package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/pkg/wsproxy"
	"go.uber.org/zap"
)

const mirrorBufSize = 64

// mirrorTap replicates every binary frame of a legacy editor sync session
// into the relay. It is strictly best-effort: a mirror failure never touches
// the primary connection, and nothing the relay sends flows back.
type mirrorTap struct {
	log    *zap.Logger
	bridge *wsproxy.Bridge
	target string
	header http.Header

	dialOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	buf    [][]byte
	closed bool
}

func newMirrorTap(log *zap.Logger, bridge *wsproxy.Bridge, target string, header http.Header) *mirrorTap {
	return &mirrorTap{
		log:    log.Named("mirror"),
		bridge: bridge,
		target: target,
		header: header,
	}
}

func (t *mirrorTap) FromClient(msgType int, data []byte) { t.observe(msgType, data) }

func (t *mirrorTap) FromUpstream(msgType int, data []byte) { t.observe(msgType, data) }

// observe forwards a binary frame to the relay, buffering while the mirror
// connection is still opening. The first observed frame triggers the dial,
// which means the primary upstream is already live.
func (t *mirrorTap) observe(msgType int, data []byte) {
	if msgType != websocket.BinaryMessage {
		return
	}
	t.dialOnce.Do(func() { go t.dial() })

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.conn == nil {
		if len(t.buf) < mirrorBufSize {
			t.buf = append(t.buf, data)
		}
		return
	}
	t.writeLocked(data)
}

func (t *mirrorTap) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := t.bridge.Dial(ctx, t.target, t.header)
	if err != nil {
		// bridge already throttled-logged the dial failure
		t.mu.Lock()
		t.closed = true
		t.buf = nil
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	pending := t.buf
	t.buf = nil
	for _, frame := range pending {
		if !t.writeLocked(frame) {
			break
		}
	}
	t.mu.Unlock()

	// drain the relay side; its replies are not forwarded anywhere but the
	// read loop keeps control frames flowing
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				t.mu.Lock()
				if t.conn == conn {
					t.closed = true
					t.conn = nil
				}
				t.mu.Unlock()
				return
			}
		}
	}()
}

// writeLocked sends one frame; a failed write ends the mirror. Caller holds mu.
func (t *mirrorTap) writeLocked(data []byte) bool {
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.log.Debug("mirror write failed, dropping mirror", zap.Error(err))
		t.conn.Close()
		t.conn = nil
		t.closed = true
		return false
	}
	return true
}

func (t *mirrorTap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.buf = nil
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		t.conn.Close()
		t.conn = nil
	}
}
