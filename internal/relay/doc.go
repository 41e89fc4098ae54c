package relay

import (
	"sync"
	"time"

	"github.com/mrmd-cloud/core/internal/pkg/yjs"
)

// DocEntry is the in-memory companion of one persisted document: the live
// CRDT, presence state and connected sockets. All CRDT mutation happens
// under mu, which makes per-document state linearizable.
type DocEntry struct {
	userID  string
	project string
	docPath string

	mu        sync.Mutex
	ydoc      *yjs.Doc
	ytext     *yjs.Text
	awareness *yjs.Awareness
	conns     map[*Conn]struct{}

	dirty     bool
	gen       uint64 // bumped per update; guards dirty against save races
	destroyed bool

	saveTimer    *time.Timer
	cleanupTimer *time.Timer

	// updates produced by the doc's update hook during an ApplyUpdate call;
	// drained by the caller while still holding mu
	pendingBroadcasts [][]byte
}

func docKey(userID, project, docPath string) string {
	return userID + "\x00" + project + "\x00" + docPath
}

func newDocEntry(userID, project, docPath string) *DocEntry {
	e := &DocEntry{
		userID:    userID,
		project:   project,
		docPath:   docPath,
		ydoc:      yjs.NewDoc(),
		awareness: yjs.NewAwareness(),
		conns:     make(map[*Conn]struct{}),
	}
	e.ytext = e.ydoc.GetText("content")
	// the hook runs while mu is held by whichever caller mutates the doc,
	// so it only records state; broadcasting happens at the call site
	e.ydoc.OnUpdate(func(update []byte, origin any) {
		if origin == originStore {
			return
		}
		e.dirty = true
		e.gen++
		e.pendingBroadcasts = append(e.pendingBroadcasts, update)
	})
	return e
}

// originStore marks updates applied from the persistence layer; they are
// already durable and must not re-arm the save timer.
const originStore = "store"

// drainBroadcasts returns and clears pending updates. Caller holds mu.
func (e *DocEntry) drainBroadcasts() [][]byte {
	out := e.pendingBroadcasts
	e.pendingBroadcasts = nil
	return out
}

// peers snapshots the connected sockets, excluding one. Caller holds mu.
func (e *DocEntry) peers(except *Conn) []*Conn {
	out := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// snapshotState encodes the full doc state and text. Caller holds mu.
func (e *DocEntry) snapshotState() (state []byte, text string, gen uint64) {
	return e.ydoc.EncodeStateAsUpdate(nil), e.ytext.String(), e.gen
}

// ConnCount returns the number of attached sockets.
func (e *DocEntry) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}
