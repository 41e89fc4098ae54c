package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/models"
	"github.com/mrmd-cloud/core/internal/pkg/yjs"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const bridgeRequestWindow = 60 * time.Second

// DocStore is the slice of the persistence layer the hub needs.
// *store.Store satisfies it.
type DocStore interface {
	LoadDocument(userID, project, docPath string) (*models.DocumentModel, error)
	SaveDocument(userID, project, docPath string, yjsState []byte, contentText string) error
}

// BridgeRequester asks a user's online provider machines to inject the
// authoritative state of a doc into the relay. Implemented by the tunnel hub.
type BridgeRequester interface {
	RequestBridge(userID, project, docPath string)
}

// Hub is the multi-tenant document hub: one DocEntry per open document,
// debounced persistence, delayed cleanup and peer fan-out.
type Hub struct {
	log     *zap.Logger
	store   DocStore
	metrics *Metrics

	saveDebounce time.Duration
	cleanupDelay time.Duration
	maxConns     int64

	docs       *xsync.Map[string, *DocEntry]
	loadGroup  singleflight.Group
	connCount  atomic.Int64
	shutting   atomic.Bool
	bridge     BridgeRequester
	bridgeLast *xsync.Map[string, time.Time]

	upgrader websocket.Upgrader
}

func NewHub(log *zap.Logger, st DocStore, metrics *Metrics, saveDebounce, cleanupDelay time.Duration, maxConns int) *Hub {
	return &Hub{
		log:          log.Named("relay"),
		store:        st,
		metrics:      metrics,
		saveDebounce: saveDebounce,
		cleanupDelay: cleanupDelay,
		maxConns:     int64(maxConns),
		docs:         xsync.NewMap[string, *DocEntry](),
		bridgeLast:   xsync.NewMap[string, time.Time](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetBridgeRequester wires the tunnel hub in after construction (the two
// hubs reference each other).
func (h *Hub) SetBridgeRequester(b BridgeRequester) { h.bridge = b }

// DocCount returns the number of memory-resident documents.
func (h *Hub) DocCount() int { return h.docs.Size() }

// ActiveConnections returns the number of open sync sockets.
func (h *Hub) ActiveConnections() int64 { return h.connCount.Load() }

// DocConnCounts lists per-doc connection counts for /stats.
func (h *Hub) DocConnCounts() map[string]int {
	out := make(map[string]int)
	h.docs.Range(func(key string, e *DocEntry) bool {
		out[e.userID+"/"+e.project+"/"+e.docPath] = e.ConnCount()
		return true
	})
	return out
}

// HandleSync upgrades and serves one sync client. Auth has already passed.
func (h *Hub) HandleSync(w http.ResponseWriter, r *http.Request, userID, project, docPath string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if h.shutting.Load() {
		closeWS(ws, websocket.CloseGoingAway, "shutting down")
		return
	}
	if n := h.connCount.Add(1); n > h.maxConns {
		h.connCount.Add(-1)
		h.log.Warn("connection cap reached", zap.Int64("max", h.maxConns))
		closeWS(ws, websocket.CloseTryAgainLater, "connection limit")
		return
	}
	defer h.connCount.Add(-1)

	conn := newConn(ws)
	h.metrics.ConnOpened()
	defer h.metrics.ConnClosed()
	defer ws.Close()

	entry, err := h.attach(r.Context(), conn, userID, project, docPath)
	if err != nil {
		h.metrics.Error()
		h.log.Error("doc load failed",
			zap.String("user", userID), zap.String("project", project),
			zap.String("doc", docPath), zap.Error(err))
		conn.CloseWith(websocket.CloseInternalServerErr, "load failed")
		return
	}
	defer h.detach(entry, conn)

	h.greet(entry, conn)

	// heartbeat
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if conn.Ping() != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		h.metrics.MessageIn()
		if err := h.handleFrame(entry, conn, data); err != nil {
			h.metrics.Error()
			h.log.Warn("bad protocol frame",
				zap.String("user", userID), zap.String("doc", docPath), zap.Error(err))
		}
	}
}

// attach resolves (loading if needed) the doc and registers the socket.
func (h *Hub) attach(ctx context.Context, conn *Conn, userID, project, docPath string) (*DocEntry, error) {
	for {
		entry, err := h.getDoc(ctx, userID, project, docPath)
		if err != nil {
			return nil, err
		}
		entry.mu.Lock()
		if entry.destroyed {
			entry.mu.Unlock()
			continue // lost a race with cleanup; reload
		}
		entry.conns[conn] = struct{}{}
		if entry.cleanupTimer != nil {
			entry.cleanupTimer.Stop()
			entry.cleanupTimer = nil
		}
		entry.mu.Unlock()
		return entry, nil
	}
}

// getDoc returns the live entry for a doc, loading persisted state on first
// connect. Singleflight collapses concurrent first-connects.
func (h *Hub) getDoc(ctx context.Context, userID, project, docPath string) (*DocEntry, error) {
	key := docKey(userID, project, docPath)
	for {
		if e, ok := h.docs.Load(key); ok {
			e.mu.Lock()
			destroyed := e.destroyed
			e.mu.Unlock()
			if !destroyed {
				return e, nil
			}
		}

		v, err, _ := h.loadGroup.Do(key, func() (interface{}, error) {
			if e, ok := h.docs.Load(key); ok {
				e.mu.Lock()
				destroyed := e.destroyed
				e.mu.Unlock()
				if !destroyed {
					return e, nil
				}
			}

			e := newDocEntry(userID, project, docPath)
			row, err := h.store.LoadDocument(userID, project, docPath)
			if err != nil {
				return nil, err
			}
			if row != nil && len(row.YjsState) > 0 {
				e.mu.Lock()
				applyErr := e.ydoc.ApplyUpdate(row.YjsState, originStore)
				e.mu.Unlock()
				if applyErr != nil {
					// corrupt stored state: start empty rather than refuse
					// service; the next save overwrites it
					h.log.Error("stored doc state did not apply, starting empty",
						zap.String("user", userID), zap.String("doc", docPath), zap.Error(applyErr))
					e = newDocEntry(userID, project, docPath)
				}
			}
			h.docs.Store(key, e)
			h.metrics.DocLoaded()
			h.requestBridge(userID, project, docPath)
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		e := v.(*DocEntry)
		e.mu.Lock()
		destroyed := e.destroyed
		e.mu.Unlock()
		if !destroyed {
			return e, nil
		}
	}
}

// greet runs the server side of the handshake: step-1 with our state vector
// plus the current awareness snapshot.
func (h *Hub) greet(entry *DocEntry, conn *Conn) {
	entry.mu.Lock()
	sv := entry.ydoc.EncodeStateVector()
	var awarenessFrame []byte
	if entry.awareness.LiveCount() > 0 {
		awarenessFrame = yjs.WriteAwareness(entry.awareness.EncodeAll())
	}
	entry.mu.Unlock()

	if conn.Send(yjs.WriteSyncStep1(sv)) == nil {
		h.metrics.MessageOut()
	}
	if awarenessFrame != nil && conn.Send(awarenessFrame) == nil {
		h.metrics.MessageOut()
	}
}

// handleFrame dispatches one inbound protocol frame.
func (h *Hub) handleFrame(entry *DocEntry, conn *Conn, data []byte) error {
	msg, err := yjs.DecodeMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case yjs.MessageSync:
		return h.handleSyncMessage(entry, conn, msg)
	case yjs.MessageAwareness:
		return h.handleAwareness(entry, conn, msg.Payload)
	}
	return nil
}

func (h *Hub) handleSyncMessage(entry *DocEntry, conn *Conn, msg *yjs.SyncMessage) error {
	switch msg.SyncType {
	case yjs.SyncStep1:
		sv, err := yjs.DecodeStateVector(msg.Payload)
		if err != nil {
			return err
		}
		entry.mu.Lock()
		reply := yjs.WriteSyncStep2(entry.ydoc.EncodeStateAsUpdate(sv))
		entry.mu.Unlock()
		if conn.Send(reply) == nil {
			h.metrics.MessageOut()
		}
		return nil

	case yjs.SyncStep2, yjs.SyncUpdate:
		entry.mu.Lock()
		err := entry.ydoc.ApplyUpdate(msg.Payload, conn)
		updates := entry.drainBroadcasts()
		if len(updates) > 0 {
			h.scheduleSaveLocked(entry)
		}
		peers := entry.peers(conn)
		entry.mu.Unlock()
		if err != nil {
			return err
		}
		for _, update := range updates {
			frame := yjs.WriteSyncUpdate(update)
			for _, peer := range peers {
				if peer.Send(frame) == nil {
					h.metrics.MessageOut()
				}
			}
		}
		return nil
	}
	return nil
}

func (h *Hub) handleAwareness(entry *DocEntry, conn *Conn, payload []byte) error {
	entry.mu.Lock()
	change, err := entry.awareness.ApplyUpdate(payload)
	peers := entry.peers(conn)
	entry.mu.Unlock()
	if err != nil {
		return err
	}
	for _, id := range change.Added {
		conn.TrackClient(id)
	}
	for _, id := range change.Updated {
		conn.TrackClient(id)
	}

	frame := yjs.WriteAwareness(payload)
	for _, peer := range peers {
		if peer.Send(frame) == nil {
			h.metrics.MessageOut()
		}
	}
	return nil
}

// scheduleSaveLocked (re)arms the debounced save. Caller holds entry.mu.
func (h *Hub) scheduleSaveLocked(entry *DocEntry) {
	if entry.saveTimer != nil {
		entry.saveTimer.Reset(h.saveDebounce)
		return
	}
	entry.saveTimer = time.AfterFunc(h.saveDebounce, func() {
		h.flush(entry)
	})
}

// flush persists the doc if dirty. A failed save leaves dirty set; the next
// update or the cleanup pass retries. Edits keep flowing regardless.
func (h *Hub) flush(entry *DocEntry) error {
	entry.mu.Lock()
	if !entry.dirty || entry.destroyed {
		entry.mu.Unlock()
		return nil
	}
	state, text, gen := entry.snapshotState()
	entry.mu.Unlock()

	err := h.store.SaveDocument(entry.userID, entry.project, entry.docPath, state, text)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err != nil {
		h.metrics.SaveError()
		h.log.Warn("doc save failed, staying dirty",
			zap.String("user", entry.userID), zap.String("doc", entry.docPath), zap.Error(err))
		return err
	}
	if entry.gen == gen {
		entry.dirty = false
	}
	h.metrics.DocSaved()
	return nil
}

// detach removes a socket, broadcasts its awareness departure, and arms the
// cleanup timer when the doc goes idle.
func (h *Hub) detach(entry *DocEntry, conn *Conn) {
	ids := conn.ClientIDs()

	entry.mu.Lock()
	delete(entry.conns, conn)
	var removalFrame []byte
	if len(ids) > 0 {
		removalFrame = yjs.WriteAwareness(entry.awareness.EncodeRemoval(ids))
	}
	peers := entry.peers(nil)
	if len(entry.conns) == 0 && !entry.destroyed && !h.shutting.Load() {
		if entry.cleanupTimer != nil {
			entry.cleanupTimer.Stop()
		}
		entry.cleanupTimer = time.AfterFunc(h.cleanupDelay, func() {
			h.cleanup(entry)
		})
	}
	entry.mu.Unlock()

	if removalFrame != nil {
		for _, peer := range peers {
			if peer.Send(removalFrame) == nil {
				h.metrics.MessageOut()
			}
		}
	}
}

// cleanup evicts an idle doc after the delay. Eviction only happens after a
// committed flush; a failed flush reschedules the timer instead.
func (h *Hub) cleanup(entry *DocEntry) {
	entry.mu.Lock()
	if len(entry.conns) > 0 || entry.destroyed {
		entry.mu.Unlock()
		return
	}
	dirty := entry.dirty
	entry.mu.Unlock()

	if dirty {
		if err := h.flush(entry); err != nil {
			entry.mu.Lock()
			if len(entry.conns) == 0 && !entry.destroyed {
				entry.cleanupTimer = time.AfterFunc(h.cleanupDelay, func() {
					h.cleanup(entry)
				})
			}
			entry.mu.Unlock()
			return
		}
	}

	entry.mu.Lock()
	if len(entry.conns) > 0 || entry.destroyed || entry.dirty {
		entry.mu.Unlock()
		return
	}
	entry.destroyed = true
	if entry.saveTimer != nil {
		entry.saveTimer.Stop()
	}
	entry.mu.Unlock()

	h.docs.Delete(docKey(entry.userID, entry.project, entry.docPath))
	h.metrics.DocEvicted()
	h.log.Debug("doc evicted",
		zap.String("user", entry.userID), zap.String("doc", entry.docPath))
}

// requestBridge pings the user's provider machines for authoritative state,
// at most once per doc per window.
func (h *Hub) requestBridge(userID, project, docPath string) {
	if h.bridge == nil {
		return
	}
	key := docKey(userID, project, docPath)
	now := time.Now()
	allowed := false
	h.bridgeLast.Compute(key, func(last time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Sub(last) < bridgeRequestWindow {
			return last, xsync.CancelOp
		}
		allowed = true
		return now, xsync.UpdateOp
	})
	if allowed {
		go h.bridge.RequestBridge(userID, project, docPath)
	}
}

// Shutdown closes every sync socket with 1001, flushes all dirty docs and
// destroys them. Called once on SIGTERM.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shutting.Store(true)

	h.docs.Range(func(key string, entry *DocEntry) bool {
		entry.mu.Lock()
		conns := entry.peers(nil)
		if entry.saveTimer != nil {
			entry.saveTimer.Stop()
		}
		if entry.cleanupTimer != nil {
			entry.cleanupTimer.Stop()
		}
		entry.mu.Unlock()

		for _, c := range conns {
			c.CloseWith(websocket.CloseGoingAway, "server shutting down")
		}

		if err := h.flush(entry); err != nil {
			h.log.Error("shutdown flush failed",
				zap.String("user", entry.userID), zap.String("doc", entry.docPath), zap.Error(err))
		}

		entry.mu.Lock()
		entry.destroyed = true
		entry.mu.Unlock()
		h.docs.Delete(key)
		return ctx.Err() == nil
	})
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	ws.Close()
}
