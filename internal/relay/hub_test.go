package relay

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/models"
	"github.com/mrmd-cloud/core/internal/pkg/yjs"
	"go.uber.org/zap"
)

// memStore is an in-memory DocStore for hub tests.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]*models.DocumentModel
	saves   int
	failing bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*models.DocumentModel)}
}

func (s *memStore) key(userID, project, docPath string) string {
	return userID + "/" + project + "/" + docPath
}

func (s *memStore) LoadDocument(userID, project, docPath string) (*models.DocumentModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.docs[s.key(userID, project, docPath)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *memStore) SaveDocument(userID, project, docPath string, yjsState []byte, contentText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store unavailable")
	}
	s.saves++
	s.docs[s.key(userID, project, docPath)] = &models.DocumentModel{
		UserID:      userID,
		Project:     project,
		DocPath:     docPath,
		YjsState:    append([]byte(nil), yjsState...),
		ContentText: contentText,
	}
	return nil
}

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) savedText(userID, project, docPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.docs[s.key(userID, project, docPath)]; ok {
		return row.ContentText
	}
	return ""
}

func testHub(t *testing.T, st DocStore, saveDebounce, cleanupDelay time.Duration, maxConns int) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop(), st, NewMetrics(nil), saveDebounce, cleanupDelay, maxConns)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// path: /sync/<user>/<project>/<doc...>
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/sync/"), "/", 3)
		if len(parts) != 3 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		hub.HandleSync(w, r, parts[0], parts[1], parts[2])
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialSync(t *testing.T, srv *httptest.Server, userID, project, docPath string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/sync/%s/%s/%s", userID, project, docPath)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return data
		}
	}
}

// insertFrame produces a framed update for appending text on a client doc.
func insertFrame(t *testing.T, doc *yjs.Doc, text *yjs.Text, index uint64, s string) []byte {
	t.Helper()
	update, err := text.Insert(index, s)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return yjs.WriteSyncUpdate(update)
}

func TestSyncHandshakeAndConvergence(t *testing.T) {
	st := newMemStore()
	_, srv := testHub(t, st, time.Hour, time.Hour, 100)

	wsA := dialSync(t, srv, "u1", "proj", "notes.md")

	// server greets with step-1
	greeting := readBinary(t, wsA)
	msg, err := yjs.DecodeMessage(greeting)
	if err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if msg.Type != yjs.MessageSync || msg.SyncType != yjs.SyncStep1 {
		t.Fatalf("greeting = type %d/%d, want sync step-1", msg.Type, msg.SyncType)
	}

	docA := yjs.NewDoc()
	textA := docA.GetText("content")
	wsB := dialSync(t, srv, "u1", "proj", "notes.md")
	readBinary(t, wsB) // greeting

	// A edits; B must receive the broadcast update
	if err := wsA.WriteMessage(websocket.BinaryMessage, insertFrame(t, docA, textA, 0, "hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readBinary(t, wsB)
	msg, err = yjs.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if msg.Type != yjs.MessageSync || msg.SyncType != yjs.SyncUpdate {
		t.Fatalf("broadcast = type %d/%d, want sync update", msg.Type, msg.SyncType)
	}

	docB := yjs.NewDoc()
	textB := docB.GetText("content")
	if err := docB.ApplyUpdate(msg.Payload, nil); err != nil {
		t.Fatalf("apply broadcast: %v", err)
	}
	if got := textB.String(); got != "hello" {
		t.Fatalf("converged text = %q, want %q", got, "hello")
	}
}

func TestSyncStep1ReturnsMissingState(t *testing.T) {
	st := newMemStore()

	// seed persisted state
	seed := yjs.NewDoc()
	seedText := seed.GetText("content")
	if _, err := seedText.Insert(0, "persisted"); err != nil {
		t.Fatal(err)
	}
	st.docs[st.key("u1", "proj", "doc.md")] = &models.DocumentModel{
		UserID: "u1", Project: "proj", DocPath: "doc.md",
		YjsState: seed.EncodeStateAsUpdate(nil),
	}

	_, srv := testHub(t, st, time.Hour, time.Hour, 100)
	ws := dialSync(t, srv, "u1", "proj", "doc.md")
	readBinary(t, ws) // greeting

	// empty state vector: ask for everything
	if err := ws.WriteMessage(websocket.BinaryMessage, yjs.WriteSyncStep1(yjs.EncodeStateVector(nil))); err != nil {
		t.Fatal(err)
	}
	frame := readBinary(t, ws)
	msg, err := yjs.DecodeMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	if msg.SyncType != yjs.SyncStep2 {
		t.Fatalf("reply sync type = %d, want step-2", msg.SyncType)
	}

	client := yjs.NewDoc()
	clientText := client.GetText("content")
	if err := client.ApplyUpdate(msg.Payload, nil); err != nil {
		t.Fatalf("apply step-2: %v", err)
	}
	if got := clientText.String(); got != "persisted" {
		t.Fatalf("restored text = %q, want %q", got, "persisted")
	}
}

func TestDebouncedSave(t *testing.T) {
	st := newMemStore()
	_, srv := testHub(t, st, 30*time.Millisecond, time.Hour, 100)

	ws := dialSync(t, srv, "u1", "proj", "a.md")
	readBinary(t, ws)

	doc := yjs.NewDoc()
	text := doc.GetText("content")
	if err := ws.WriteMessage(websocket.BinaryMessage, insertFrame(t, doc, text, 0, "draft")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st.savedText("u1", "proj", "a.md") == "draft" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document was not persisted; saved text = %q", st.savedText("u1", "proj", "a.md"))
}

func TestIdleCleanupEvictsAfterFlush(t *testing.T) {
	st := newMemStore()
	hub, srv := testHub(t, st, 10*time.Millisecond, 50*time.Millisecond, 100)

	ws := dialSync(t, srv, "u1", "proj", "b.md")
	readBinary(t, ws)

	doc := yjs.NewDoc()
	text := doc.GetText("content")
	if err := ws.WriteMessage(websocket.BinaryMessage, insertFrame(t, doc, text, 0, "bye")); err != nil {
		t.Fatal(err)
	}
	// let the frame land before disconnecting
	time.Sleep(50 * time.Millisecond)
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.DocCount() == 0 {
			if got := st.savedText("u1", "proj", "b.md"); got != "bye" {
				t.Fatalf("evicted before durable save; saved text = %q", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("doc was not evicted; resident docs = %d", hub.DocCount())
}

func TestCleanupRetriesWhileStoreDown(t *testing.T) {
	st := newMemStore()
	hub, srv := testHub(t, st, 10*time.Millisecond, 40*time.Millisecond, 100)

	ws := dialSync(t, srv, "u1", "proj", "c.md")
	readBinary(t, ws)

	st.setFailing(true)
	doc := yjs.NewDoc()
	text := doc.GetText("content")
	if err := ws.WriteMessage(websocket.BinaryMessage, insertFrame(t, doc, text, 0, "precious")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	ws.Close()

	// while the store is down the dirty doc must stay resident
	time.Sleep(150 * time.Millisecond)
	if hub.DocCount() != 1 {
		t.Fatalf("dirty doc evicted while store failing; resident = %d", hub.DocCount())
	}

	st.setFailing(false)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.DocCount() == 0 {
			if got := st.savedText("u1", "proj", "c.md"); got != "precious" {
				t.Fatalf("saved text = %q, want %q", got, "precious")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("doc never evicted after store recovered")
}

func TestConnectionCap(t *testing.T) {
	st := newMemStore()
	_, srv := testHub(t, st, time.Hour, time.Hour, 1)

	wsA := dialSync(t, srv, "u1", "proj", "d.md")
	readBinary(t, wsA) // established

	wsB := dialSync(t, srv, "u1", "proj", "d.md")
	wsB.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := wsB.ReadMessage()
	if err == nil {
		t.Fatal("second connection was not rejected")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseTryAgainLater {
		t.Fatalf("close error = %v, want code %d", err, websocket.CloseTryAgainLater)
	}
}

func TestShutdownFlushesAndCloses(t *testing.T) {
	st := newMemStore()
	hub, srv := testHub(t, st, time.Hour, time.Hour, 100)

	ws := dialSync(t, srv, "u1", "proj", "e.md")
	readBinary(t, ws)

	doc := yjs.NewDoc()
	text := doc.GetText("content")
	if err := ws.WriteMessage(websocket.BinaryMessage, insertFrame(t, doc, text, 0, "final")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.Shutdown(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	if got := st.savedText("u1", "proj", "e.md"); got != "final" {
		t.Fatalf("saved text after shutdown = %q, want %q", got, "final")
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("client close = %v, want code %d", err, websocket.CloseGoingAway)
	}
}

type countingBridge struct {
	mu    sync.Mutex
	calls []string
}

func (b *countingBridge) RequestBridge(userID, project, docPath string) {
	b.mu.Lock()
	b.calls = append(b.calls, userID+"/"+project+"/"+docPath)
	b.mu.Unlock()
}

func (b *countingBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func TestBridgeRequestRateLimited(t *testing.T) {
	st := newMemStore()
	hub, srv := testHub(t, st, time.Hour, 10*time.Millisecond, 100)
	bridge := &countingBridge{}
	hub.SetBridgeRequester(bridge)

	// first load triggers one bridge request
	ws := dialSync(t, srv, "u1", "proj", "f.md")
	readBinary(t, ws)
	ws.Close()

	// wait for eviction, then reconnect inside the window
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && hub.DocCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	ws2 := dialSync(t, srv, "u1", "proj", "f.md")
	readBinary(t, ws2)

	time.Sleep(50 * time.Millisecond)
	if got := bridge.count(); got != 1 {
		t.Fatalf("bridge requests = %d, want 1 inside the rate window", got)
	}
}
