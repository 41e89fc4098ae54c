// Package wsproxy is the bidirectional WebSocket proxy primitive used by
// the orchestrator's sync, tunnel and editor paths.
package wsproxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	preOpenBufSize = 64
)

type frame struct {
	msgType int
	data    []byte
}

// Tap observes frames flowing through a bridge. Used by mirror mode to
// replicate traffic to a secondary upstream. Implementations must not block.
type Tap interface {
	FromClient(msgType int, data []byte)
	FromUpstream(msgType int, data []byte)
	Close()
}

// Bridge proxies accepted client sockets to upstream WebSocket targets.
type Bridge struct {
	log      *zap.Logger
	throttle *Throttle
	dialer   *websocket.Dialer
}

func NewBridge(log *zap.Logger) *Bridge {
	return &Bridge{
		log:      log.Named("wsproxy"),
		throttle: NewThrottle(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
	}
}

// Proxy connects client to targetURL and pumps frames both ways until either
// side closes. Frames the client sends while the upstream dial is in flight
// are buffered (small, bounded) and flushed once the upstream opens. The call
// blocks for the life of the connection; both sockets are closed on return.
func (b *Bridge) Proxy(ctx context.Context, client *websocket.Conn, targetURL string, header http.Header, tap Tap) {
	defer client.Close()
	if tap != nil {
		defer tap.Close()
	}

	// read the client immediately so pre-open frames are not lost
	clientFrames := make(chan frame, preOpenBufSize)
	clientDone := make(chan struct{})
	go func() {
		defer close(clientFrames)
		defer close(clientDone)
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if tap != nil {
				tap.FromClient(msgType, data)
			}
			select {
			case clientFrames <- frame{msgType, data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	upstream, resp, err := b.dialer.DialContext(ctx, targetURL, header)
	if err != nil {
		b.logUpstreamError(targetURL, dialErrorCode(resp), err)
		// 1014 Bad Gateway; gorilla/websocket does not define a constant for it.
		b.closeWith(client, 1014, "upstream unavailable")
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer upstream.Close()

	// upstream → client
	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			if tap != nil {
				tap.FromUpstream(msgType, data)
			}
			client.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	// client (buffered + live) → upstream
	for {
		select {
		case f, open := <-clientFrames:
			if !open {
				b.closeWith(upstream, websocket.CloseGoingAway, "")
				<-upstreamDone
				return
			}
			upstream.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := upstream.WriteMessage(f.msgType, f.data); err != nil {
				b.logUpstreamError(targetURL, websocket.CloseAbnormalClosure, err)
				b.closeWith(client, websocket.CloseGoingAway, "")
				<-clientDone
				return
			}
		case <-upstreamDone:
			b.closeWith(client, websocket.CloseGoingAway, "")
			<-clientDone
			return
		case <-ctx.Done():
			b.closeWith(client, websocket.CloseGoingAway, "shutting down")
			b.closeWith(upstream, websocket.CloseGoingAway, "shutting down")
			return
		}
	}
}

// Dial opens an upstream connection without a client side; mirror mode uses
// it for the secondary target.
func (b *Bridge) Dial(ctx context.Context, targetURL string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := b.dialer.DialContext(ctx, targetURL, header)
	if err != nil {
		b.logUpstreamError(targetURL, dialErrorCode(resp), err)
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

func (b *Bridge) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (b *Bridge) logUpstreamError(target string, code int, err error) {
	key := fmt.Sprintf("%s|%d", target, code)
	ok, suppressed := b.throttle.Allow(key)
	if !ok {
		return
	}
	fields := []zap.Field{zap.String("target", target), zap.Int("code", code), zap.Error(err)}
	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	b.log.Warn("upstream websocket error", fields...)
}

func dialErrorCode(resp *http.Response) int {
	if resp != nil {
		return resp.StatusCode
	}
	return 0
}
