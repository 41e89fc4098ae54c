package yjs

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// AwarenessState is one client's ephemeral presence payload.
type AwarenessState struct {
	Clock uint64
	State json.RawMessage // JSON object; nil when the client left
	At    time.Time
}

// Awareness tracks per-client presence following the y-protocols/awareness
// codec: varuint count, then (clientID, clock, JSON state) triples. A null
// state removes the client.
type Awareness struct {
	mu     sync.Mutex
	states map[uint64]AwarenessState
}

// NewAwareness returns an empty awareness instance.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]AwarenessState)}
}

// AwarenessChange lists the clients touched by an update.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// ApplyUpdate merges an encoded awareness update and reports changed clients.
func (a *Awareness) ApplyUpdate(data []byte) (AwarenessChange, error) {
	var change AwarenessChange
	d := NewDecoder(data)
	n, err := d.ReadVarUint()
	if err != nil {
		return change, err
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return change, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return change, err
		}
		raw, err := d.ReadVarString()
		if err != nil {
			return change, err
		}

		prev, known := a.states[client]
		if known && clock < prev.Clock {
			continue
		}
		if known && clock == prev.Clock && string(prev.State) != "null" && raw == "null" {
			// same-clock removal wins only by bumping the clock
			clock++
		}
		if raw == "null" {
			if known && prev.State != nil {
				change.Removed = append(change.Removed, client)
			}
			a.states[client] = AwarenessState{Clock: clock, State: nil, At: now}
			continue
		}
		if !known || prev.State == nil {
			change.Added = append(change.Added, client)
		} else {
			change.Updated = append(change.Updated, client)
		}
		a.states[client] = AwarenessState{Clock: clock, State: json.RawMessage(raw), At: now}
	}
	return change, nil
}

// EncodeAll encodes every live client state (for new connections).
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	clients := make([]uint64, 0, len(a.states))
	for client, st := range a.states {
		if st.State != nil {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := NewEncoder()
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		st := a.states[client]
		e.WriteVarUint(client)
		e.WriteVarUint(st.Clock)
		e.WriteVarString(string(st.State))
	}
	return e.Bytes()
}

// EncodeRemoval encodes leave entries (null state, clock+1) for clients,
// broadcast when their connection closes.
func (a *Awareness) EncodeRemoval(clients []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := NewEncoder()
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		st := a.states[client]
		st.Clock++
		st.State = nil
		st.At = time.Now()
		a.states[client] = st
		e.WriteVarUint(client)
		e.WriteVarUint(st.Clock)
		e.WriteVarString("null")
	}
	return e.Bytes()
}

// LiveCount returns the number of clients with a non-null state.
func (a *Awareness) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.states {
		if st.State != nil {
			n++
		}
	}
	return n
}
