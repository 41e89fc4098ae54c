package tunnel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn serializes writes to one tunnel socket.
type wsConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendText(data)
}

func (c *wsConn) sendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	if !c.closed {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.closed = true
	}
	c.mu.Unlock()
	c.ws.Close()
}

// provider is one connected machine agent.
type provider struct {
	conn         *wsConn
	machineID    string
	machineName  string
	hostname     string
	capabilities []string
	connectedAt  time.Time
}

// Room holds all tunnel parties for one user: many providers, many
// consumers, at most one active machine.
type Room struct {
	userID string

	mu              sync.Mutex
	providers       map[string]*provider
	activeMachineID string
	consumers       map[*wsConn]struct{}
}

func newRoom(userID string) *Room {
	return &Room{
		userID:    userID,
		providers: make(map[string]*provider),
		consumers: make(map[*wsConn]struct{}),
	}
}

// MachineInfo is the per-machine view in status messages and the control API.
type MachineInfo struct {
	MachineID    string    `json:"machine_id"`
	MachineName  string    `json:"machine_name"`
	Hostname     string    `json:"hostname"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// statusLocked builds the provider-status payload. Caller holds mu.
func (r *Room) statusLocked() map[string]interface{} {
	machines := make([]MachineInfo, 0, len(r.providers))
	for _, p := range r.providers {
		machines = append(machines, MachineInfo{
			MachineID:    p.machineID,
			MachineName:  p.machineName,
			Hostname:     p.hostname,
			Capabilities: p.capabilities,
			ConnectedAt:  p.connectedAt,
		})
	}
	var active interface{}
	if r.activeMachineID != "" {
		active = r.activeMachineID
	}
	return map[string]interface{}{
		"t":                 "provider-status",
		"machines":          machines,
		"active_machine_id": active,
	}
}

// autoSelectLocked picks the earliest-connected provider when none is
// active. Caller holds mu.
func (r *Room) autoSelectLocked() {
	if r.activeMachineID != "" {
		if _, ok := r.providers[r.activeMachineID]; ok {
			return
		}
		r.activeMachineID = ""
	}
	var earliest *provider
	for _, p := range r.providers {
		if earliest == nil || p.connectedAt.Before(earliest.connectedAt) {
			earliest = p
		}
	}
	if earliest != nil {
		r.activeMachineID = earliest.machineID
	}
}

// broadcastToConsumersLocked sends a JSON value to every consumer. Caller
// holds mu; sends are best-effort.
func (r *Room) broadcastToConsumersLocked(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for c := range r.consumers {
		_ = c.sendText(data)
	}
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers) == 0 && len(r.consumers) == 0
}
