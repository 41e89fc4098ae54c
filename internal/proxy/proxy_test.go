package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/lifecycle"
	"github.com/mrmd-cloud/core/internal/middleware"
	"go.uber.org/zap"
)

type fakeEditors struct {
	mu      sync.Mutex
	infos   map[string]*lifecycle.EditorInfo
	starts  int
	failErr error
}

func (f *fakeEditors) Editor(userID string) (*lifecycle.EditorInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[userID]
	return info, ok
}

func (f *fakeEditors) EnsureStarted(ctx context.Context, user *clients.User) (*lifecycle.EditorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failErr != nil {
		return nil, f.failErr
	}
	info, ok := f.infos[user.ID]
	if !ok {
		return nil, errors.New("no editor configured for test")
	}
	return info, nil
}

func (f *fakeEditors) Touch(string) {}

// fakeAuth injects a fixed user the way the real auth middleware would.
func fakeAuth(user *clients.User) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyUser, user)
		c.Set(middleware.ContextKeyToken, "tok-"+user.ID)
		c.Next()
	}
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, ok := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	if !ok {
		t.Fatalf("no port in %s", srv.URL)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func testRouter(t *testing.T, cfg *config.AppConfig, editors EditorSource, user *clients.User) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewProxy(cfg, zap.NewNop(), editors).RegisterRoutes(r, fakeAuth(user))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPForwardingToEditor(t *testing.T) {
	var gotProto, gotPath string
	editor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotPath = r.URL.Path
		fmt.Fprint(w, "editor says hi")
	}))
	t.Cleanup(editor.Close)

	user := &clients.User{ID: "u1"}
	editors := &fakeEditors{infos: map[string]*lifecycle.EditorInfo{
		"u1": lifecycle.NewEditorInfo("u1", "", portOf(t, editor), "", "", 0, nil),
	}}
	srv := testRouter(t, &config.AppConfig{SyncMode: config.SyncModeLegacy}, editors, user)

	resp, err := http.Get(srv.URL + "/u/u1/files/readme.md")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "editor says hi" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
	if gotProto != "http" {
		t.Fatalf("X-Forwarded-Proto = %q", gotProto)
	}
	if gotPath != "/u/u1/files/readme.md" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}

func TestTenantIsolation(t *testing.T) {
	user := &clients.User{ID: "u1"}
	editors := &fakeEditors{infos: map[string]*lifecycle.EditorInfo{}}
	srv := testRouter(t, &config.AppConfig{SyncMode: config.SyncModeLegacy}, editors, user)

	resp, err := http.Get(srv.URL + "/u/other-user/files/secret.md")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if editors.starts != 0 {
		t.Fatal("editor started for a cross-tenant request")
	}
}

func TestStartFailureRedirectsHTMLClients(t *testing.T) {
	user := &clients.User{ID: "u1"}
	editors := &fakeEditors{failErr: errors.New("compute exhausted")}
	srv := testRouter(t, &config.AppConfig{SyncMode: config.SyncModeLegacy}, editors, user)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/u/u1/", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("status %d location %q, want 302 /dashboard", resp.StatusCode, resp.Header.Get("Location"))
	}

	// API clients get a JSON 502 instead
	req2, _ := http.NewRequest(http.MethodGet, srv.URL+"/u/u1/api/files", nil)
	resp2, err := client.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadGateway {
		t.Fatalf("API status = %d, want 502", resp2.StatusCode)
	}
}

// wsCapture records upgraded connections: path, headers and binary frames.
type wsCapture struct {
	mu     sync.Mutex
	paths  []string
	users  []string
	frames [][]byte
	echo   bool
}

func (w *wsCapture) server(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.paths = append(w.paths, r.URL.Path)
		w.users = append(w.users, r.Header.Get("X-User-Id"))
		w.mu.Unlock()
		ws, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				w.mu.Lock()
				w.frames = append(w.frames, data)
				w.mu.Unlock()
			}
			if w.echo {
				if err := ws.WriteMessage(msgType, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (w *wsCapture) frameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func dialWS(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestRelayPrimaryBypassesEditor(t *testing.T) {
	relay := &wsCapture{echo: true}
	relaySrv := relay.server(t)

	user := &clients.User{ID: "u1"}
	// no editor configured: relay_primary must not need one
	editors := &fakeEditors{infos: map[string]*lifecycle.EditorInfo{}, failErr: errors.New("down")}
	cfg := &config.AppConfig{SyncMode: config.SyncModeRelayPrimary, SyncRelayURL: relaySrv.URL}
	srv := testRouter(t, cfg, editors, user)

	ws := dialWS(t, srv.URL, "/u/u1/sync/4567/notes.md")
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("echo read: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != 2 {
		t.Fatalf("echo = type %d data %v", msgType, data)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.paths) != 1 || relay.paths[0] != "/sync/u1/default/notes.md" {
		t.Fatalf("relay paths = %v", relay.paths)
	}
	if relay.users[0] != "u1" {
		t.Fatalf("X-User-Id = %q", relay.users[0])
	}
	if editors.starts != 0 {
		t.Fatal("relay_primary touched the editor")
	}
}

func TestMirrorReplicatesToRelay(t *testing.T) {
	editorWS := &wsCapture{echo: true}
	editorSrv := editorWS.server(t)
	relay := &wsCapture{}
	relaySrv := relay.server(t)

	user := &clients.User{ID: "u1"}
	editors := &fakeEditors{infos: map[string]*lifecycle.EditorInfo{
		"u1": lifecycle.NewEditorInfo("u1", "", portOf(t, editorSrv), "", "", 0, nil),
	}}
	cfg := &config.AppConfig{SyncMode: config.SyncModeMirror, SyncRelayURL: relaySrv.URL}
	srv := testRouter(t, cfg, editors, user)

	ws := dialWS(t, srv.URL, "/u/u1/sync/4567/draft.md")
	payload := []byte{0x00, 0x01, 0x02, 0x03}
	if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}

	// primary round-trip is unaffected by the mirror
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("primary echo: %v", err)
	}

	// the mirror eventually carries the frame to the relay (client→relay
	// plus the editor's echo observed upstream→client)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if relay.frameCount() >= 1 {
			relay.mu.Lock()
			defer relay.mu.Unlock()
			if relay.paths[0] != "/sync/u1/default/draft.md" {
				t.Fatalf("mirror path = %q", relay.paths[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mirror never delivered frames to the relay")
}

func TestMirrorFailureLeavesPrimaryFlowing(t *testing.T) {
	editorWS := &wsCapture{echo: true}
	editorSrv := editorWS.server(t)

	user := &clients.User{ID: "u1"}
	editors := &fakeEditors{infos: map[string]*lifecycle.EditorInfo{
		"u1": lifecycle.NewEditorInfo("u1", "", portOf(t, editorSrv), "", "", 0, nil),
	}}
	// relay URL points nowhere
	cfg := &config.AppConfig{SyncMode: config.SyncModeMirror, SyncRelayURL: "http://127.0.0.1:1"}
	srv := testRouter(t, cfg, editors, user)

	ws := dialWS(t, srv.URL, "/u/u1/sync/4567/doc.md")
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := ws.ReadMessage(); err != nil {
			t.Fatalf("echo %d: %v", i, err)
		}
	}
}

func TestTunnelWSForwardsQuery(t *testing.T) {
	relay := &wsCapture{}
	relaySrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		relay.mu.Lock()
		relay.paths = append(relay.paths, r.URL.Path+"?"+r.URL.RawQuery)
		relay.users = append(relay.users, r.Header.Get("X-User-Id"))
		relay.mu.Unlock()
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		if ws, err := up.Upgrade(rw, r, nil); err == nil {
			ws.Close()
		}
	}))
	t.Cleanup(relaySrv.Close)

	user := &clients.User{ID: "u1"}
	cfg := &config.AppConfig{SyncMode: config.SyncModeLegacy, SyncRelayURL: relaySrv.URL}
	srv := testRouter(t, cfg, &fakeEditors{}, user)

	ws := dialWS(t, srv.URL, "/tunnel/u1?role=provider&machine_id=m1")
	ws.Close()

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.paths) != 1 || relay.paths[0] != "/tunnel/u1?role=provider&machine_id=m1" {
		t.Fatalf("relay saw %v", relay.paths)
	}
	if relay.users[0] != "u1" {
		t.Fatalf("X-User-Id = %q", relay.users[0])
	}
}
