// Package tunnel multiplexes remote-runtime traffic: desktop machine agents
// connect outbound as providers, web and mobile clients connect as
// consumers, and the hub fans messages between them per user.
package tunnel

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/models"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 15*time.Second
)

// ErrMachineNotConnected is returned when SetActive names an absent machine.
var ErrMachineNotConnected = errors.New("tunnel: machine not connected")

// MachineStore persists machine online/offline transitions.
// *store.Store satisfies it.
type MachineStore interface {
	UpsertMachine(m *models.MachineModel) error
	SetMachineOffline(userID, machineID string) error
}

// Hub owns all tunnel rooms.
type Hub struct {
	log      *zap.Logger
	store    MachineStore
	rooms    *xsync.Map[string, *Room]
	upgrader websocket.Upgrader
}

func NewHub(log *zap.Logger, st MachineStore) *Hub {
	return &Hub{
		log:   log.Named("tunnel"),
		store: st,
		rooms: xsync.NewMap[string, *Room](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) room(userID string) *Room {
	r, _ := h.rooms.LoadOrCompute(userID, func() (*Room, bool) {
		return newRoom(userID), false
	})
	return r
}

// HandleTunnel upgrades and serves one tunnel socket. Auth has already
// passed; role comes from the query string.
func (h *Hub) HandleTunnel(w http.ResponseWriter, r *http.Request, userID string) {
	role := r.URL.Query().Get("role")
	if role != "provider" && role != "consumer" {
		http.Error(w, "role must be provider or consumer", http.StatusBadRequest)
		return
	}
	if role == "provider" && r.URL.Query().Get("machine_id") == "" {
		http.Error(w, "machine_id required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

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
				if conn.ping() != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	if role == "provider" {
		h.serveProvider(conn, userID, r)
	} else {
		h.serveConsumer(conn, userID)
	}
}

func (h *Hub) serveProvider(conn *wsConn, userID string, r *http.Request) {
	q := r.URL.Query()
	p := &provider{
		conn:        conn,
		machineID:   q.Get("machine_id"),
		machineName: q.Get("machine_name"),
		hostname:    q.Get("hostname"),
		connectedAt: time.Now(),
	}

	room := h.room(userID)
	room.mu.Lock()
	if old, ok := room.providers[p.machineID]; ok {
		// a reconnecting agent replaces its previous socket
		go old.conn.closeWith(websocket.CloseNormalClosure, "replaced by new connection")
	}
	room.providers[p.machineID] = p
	room.autoSelectLocked()
	status := room.statusLocked()
	room.broadcastToConsumersLocked(status)
	room.mu.Unlock()

	h.persistOnline(userID, p)
	h.log.Info("provider connected",
		zap.String("user", userID), zap.String("machine", p.machineID))

	defer h.providerGone(room, p)
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.handleProviderMessage(room, p, data)
	}
}

// handleProviderMessage intercepts provider-info to refresh machine metadata
// and forwards everything (including provider-info) verbatim to consumers.
func (h *Hub) handleProviderMessage(room *Room, p *provider, data []byte) {
	var probe struct {
		T            string   `json:"t"`
		Capabilities []string `json:"capabilities"`
		MachineName  string   `json:"machine_name"`
		Hostname     string   `json:"hostname"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.T == "provider-info" {
		room.mu.Lock()
		p.capabilities = probe.Capabilities
		if probe.MachineName != "" {
			p.machineName = probe.MachineName
		}
		if probe.Hostname != "" {
			p.hostname = probe.Hostname
		}
		room.mu.Unlock()
		h.persistOnline(room.userID, p)
	}

	room.mu.Lock()
	for c := range room.consumers {
		_ = c.sendText(data)
	}
	room.mu.Unlock()
}

func (h *Hub) providerGone(room *Room, p *provider) {
	room.mu.Lock()
	// only remove if this socket is still the registered one; a replacement
	// may already hold the slot
	if cur, ok := room.providers[p.machineID]; ok && cur == p {
		delete(room.providers, p.machineID)
		room.autoSelectLocked()
		if len(room.providers) == 0 {
			room.broadcastToConsumersLocked(map[string]interface{}{"t": "provider-gone"})
		} else {
			room.broadcastToConsumersLocked(room.statusLocked())
		}
		room.mu.Unlock()

		if err := h.store.SetMachineOffline(room.userID, p.machineID); err != nil {
			h.log.Warn("failed to mark machine offline",
				zap.String("machine", p.machineID), zap.Error(err))
		}
		h.log.Info("provider disconnected",
			zap.String("user", room.userID), zap.String("machine", p.machineID))
	} else {
		room.mu.Unlock()
	}
	h.reapRoom(room)
}

func (h *Hub) serveConsumer(conn *wsConn, userID string) {
	room := h.room(userID)
	room.mu.Lock()
	room.consumers[conn] = struct{}{}
	status := room.statusLocked()
	room.mu.Unlock()

	// immediate snapshot so the client can render machine state
	_ = conn.sendJSON(status)

	defer func() {
		room.mu.Lock()
		delete(room.consumers, conn)
		room.mu.Unlock()
		h.reapRoom(room)
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// consumer traffic goes to the active provider only
		room.mu.Lock()
		active := room.providers[room.activeMachineID]
		room.mu.Unlock()
		if active != nil {
			_ = active.conn.sendText(data)
		}
	}
}

func (h *Hub) persistOnline(userID string, p *provider) {
	room := h.room(userID)
	room.mu.Lock()
	caps := append([]string(nil), p.capabilities...)
	m := &models.MachineModel{
		UserID:       userID,
		MachineID:    p.machineID,
		MachineName:  p.machineName,
		Hostname:     p.hostname,
		Capabilities: caps,
		ConnectedAt:  p.connectedAt,
	}
	room.mu.Unlock()
	if err := h.store.UpsertMachine(m); err != nil {
		h.log.Warn("failed to upsert machine",
			zap.String("machine", p.machineID), zap.Error(err))
	}
}

func (h *Hub) reapRoom(room *Room) {
	if room.empty() {
		h.rooms.Compute(room.userID, func(cur *Room, loaded bool) (*Room, xsync.ComputeOp) {
			if loaded && cur == room && room.empty() {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	}
}

// RequestBridge asks every provider of a user to inject authoritative state
// for one doc. Rate limiting happens at the caller.
func (h *Hub) RequestBridge(userID, project, docPath string) {
	room, ok := h.rooms.Load(userID)
	if !ok {
		return
	}
	msg, err := json.Marshal(map[string]string{
		"t":       "bridge-request",
		"project": project,
		"docPath": docPath,
	})
	if err != nil {
		return
	}
	room.mu.Lock()
	providers := make([]*provider, 0, len(room.providers))
	for _, p := range room.providers {
		providers = append(providers, p)
	}
	room.mu.Unlock()
	for _, p := range providers {
		_ = p.conn.sendText(msg)
	}
}

// Status reports the room state for the control API.
func (h *Hub) Status(userID string) map[string]interface{} {
	room, ok := h.rooms.Load(userID)
	if !ok {
		return map[string]interface{}{
			"t":                 "provider-status",
			"machines":          []MachineInfo{},
			"active_machine_id": nil,
		}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.statusLocked()
}

// Machines lists the currently connected machines.
func (h *Hub) Machines(userID string) []MachineInfo {
	room, ok := h.rooms.Load(userID)
	if !ok {
		return []MachineInfo{}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	machines := make([]MachineInfo, 0, len(room.providers))
	for _, p := range room.providers {
		machines = append(machines, MachineInfo{
			MachineID:    p.machineID,
			MachineName:  p.machineName,
			Hostname:     p.hostname,
			Capabilities: p.capabilities,
			ConnectedAt:  p.connectedAt,
		})
	}
	return machines
}

// ActiveMachine returns the active machine id, or "" when none.
func (h *Hub) ActiveMachine(userID string) string {
	room, ok := h.rooms.Load(userID)
	if !ok {
		return ""
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.activeMachineID
}

// SetActive switches the active machine. Empty machineID re-runs
// auto-selection. Naming a machine that is not connected fails.
func (h *Hub) SetActive(userID, machineID string) (string, error) {
	room, ok := h.rooms.Load(userID)
	if !ok {
		return "", ErrMachineNotConnected
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if machineID == "" {
		room.activeMachineID = ""
		room.autoSelectLocked()
	} else {
		if _, ok := room.providers[machineID]; !ok {
			return "", ErrMachineNotConnected
		}
		room.activeMachineID = machineID
	}
	room.broadcastToConsumersLocked(room.statusLocked())
	return room.activeMachineID, nil
}
