package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/container"
	"go.uber.org/zap"
)

type fakeCompute struct {
	mu          sync.Mutex
	starts      int32
	stops       []string
	snapshots   []string
	restores    []string
	startErr    error
	runtimePort int
}

func (f *fakeCompute) StartRuntime(ctx context.Context, userID string) (*clients.Runtime, error) {
	atomic.AddInt32(&f.starts, 1)
	if f.startErr != nil {
		return nil, f.startErr
	}
	// simulate slow provisioning so concurrent callers pile up
	time.Sleep(30 * time.Millisecond)
	port := f.runtimePort
	if port == 0 {
		port = 9000
	}
	return &clients.Runtime{RuntimeID: "rt-" + userID, ContainerName: "runtime-" + userID, Port: port}, nil
}

func (f *fakeCompute) StopRuntime(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	f.stops = append(f.stops, runtimeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCompute) SnapshotRuntime(ctx context.Context, runtimeID string) (*clients.Snapshot, error) {
	f.mu.Lock()
	f.snapshots = append(f.snapshots, runtimeID)
	f.mu.Unlock()
	return &clients.Snapshot{SnapshotID: "snap-" + runtimeID}, nil
}

func (f *fakeCompute) RestoreRuntime(ctx context.Context, userID, snapshotID string) (*clients.Runtime, error) {
	f.mu.Lock()
	f.restores = append(f.restores, snapshotID)
	f.mu.Unlock()
	return &clients.Runtime{RuntimeID: "rt2-" + userID, ContainerName: "runtime-" + userID, Port: 9001}, nil
}

type fakeMonitor struct {
	mu          sync.Mutex
	registered  []string
	unregistered []string
}

func (f *fakeMonitor) Register(ctx context.Context, userID, runtimeID, containerName string) error {
	f.mu.Lock()
	f.registered = append(f.registered, runtimeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMonitor) Unregister(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, runtimeID)
	f.mu.Unlock()
	return nil
}

// fakeEngine serves /health on whatever port the manager picked, standing in
// for a real editor container.
type fakeEngine struct {
	mu        sync.Mutex
	listeners []net.Listener
	removed   []string
	started   []string
	running   []container.RunningEditor
	statuses  map[string]string
}

func (f *fakeEngine) RunEditor(ctx context.Context, user *clients.User, editorPort, runtimePort int, image, userDir string) (string, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", editorPort))
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go http.Serve(l, mux)
	return container.EditorName(user.ID), nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	f.started = append(f.started, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) ListRunning(ctx context.Context) ([]container.RunningEditor, error) {
	return f.running, nil
}

func (f *fakeEngine) InspectStatus(ctx context.Context, name string) (string, error) {
	if f.statuses == nil {
		return "running", nil
	}
	return f.statuses[name], nil
}

func (f *fakeEngine) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		l.Close()
	}
}

func testManager(t *testing.T) (*Manager, *fakeCompute, *fakeEngine, *fakeMonitor) {
	t.Helper()
	cfg := &config.AppConfig{
		DataDir:            t.TempDir(),
		EditorImage:        "editor:test",
		IdleTimeoutMinutes: 30,
	}
	compute := &fakeCompute{}
	engine := &fakeEngine{}
	monitor := &fakeMonitor{}
	t.Cleanup(engine.close)
	return NewManager(cfg, zap.NewNop(), engine, compute, monitor), compute, engine, monitor
}

func testUser(id string) *clients.User {
	return &clients.User{ID: id, Email: id + "@example.com", Username: id}
}

func TestEnsureStartedSharesConcurrentStarts(t *testing.T) {
	m, compute, _, monitor := testManager(t)

	const callers = 8
	var wg sync.WaitGroup
	infos := make([]*EditorInfo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i], errs[i] = m.EnsureStarted(context.Background(), testUser("alice"))
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if got := atomic.LoadInt32(&compute.starts); got != 1 {
		t.Fatalf("StartRuntime called %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if infos[i].EditorPort != infos[0].EditorPort {
			t.Fatalf("callers got different editors: %d vs %d", infos[i].EditorPort, infos[0].EditorPort)
		}
	}
	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if len(monitor.registered) != 1 || monitor.registered[0] != "rt-alice" {
		t.Fatalf("monitor registrations = %v", monitor.registered)
	}
}

func TestEnsureStartedReusesHealthyEditor(t *testing.T) {
	m, compute, _, _ := testManager(t)

	first, err := m.EnsureStarted(context.Background(), testUser("bob"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.EnsureStarted(context.Background(), testUser("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if first.EditorPort != second.EditorPort {
		t.Fatalf("editor restarted: port %d → %d", first.EditorPort, second.EditorPort)
	}
	if got := atomic.LoadInt32(&compute.starts); got != 1 {
		t.Fatalf("StartRuntime called %d times, want 1", got)
	}
}

func TestOnIdleSnapshotsAndKeepsRecord(t *testing.T) {
	m, compute, engine, _ := testManager(t)

	info, err := m.EnsureStarted(context.Background(), testUser("carol"))
	if err != nil {
		t.Fatal(err)
	}
	m.OnIdle(context.Background(), "carol")

	idled, ok := m.Editor("carol")
	if !ok {
		t.Fatal("idle record dropped")
	}
	if idled.State() != StateIdle {
		t.Fatalf("state = %q, want idle", idled.State())
	}
	if idled.SnapshotID() != "snap-rt-carol" {
		t.Fatalf("snapshot id = %q", idled.SnapshotID())
	}

	compute.mu.Lock()
	stops := append([]string(nil), compute.stops...)
	compute.mu.Unlock()
	if len(stops) != 1 || stops[0] != "rt-carol" {
		t.Fatalf("runtime stops = %v", stops)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.removed) != 1 || engine.removed[0] != info.ContainerName {
		t.Fatalf("removed containers = %v", engine.removed)
	}
}

func TestResumeRestoresFromSnapshot(t *testing.T) {
	m, compute, _, _ := testManager(t)

	if _, err := m.EnsureStarted(context.Background(), testUser("dave")); err != nil {
		t.Fatal(err)
	}
	m.OnIdle(context.Background(), "dave")

	resumed, err := m.EnsureStarted(context.Background(), testUser("dave"))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.State() != StateRunning {
		t.Fatalf("state = %q, want running", resumed.State())
	}
	if resumed.RuntimeID != "rt2-dave" {
		t.Fatalf("runtime id = %q, want restored runtime", resumed.RuntimeID)
	}

	compute.mu.Lock()
	defer compute.mu.Unlock()
	if len(compute.restores) != 1 || compute.restores[0] != "snap-rt-dave" {
		t.Fatalf("restores = %v", compute.restores)
	}
	// restore path must not re-provision from scratch
	if got := atomic.LoadInt32(&compute.starts); got != 1 {
		t.Fatalf("StartRuntime called %d times, want 1", got)
	}
}

func TestLogoutTearsDown(t *testing.T) {
	m, compute, engine, monitor := testManager(t)

	if _, err := m.EnsureStarted(context.Background(), testUser("erin")); err != nil {
		t.Fatal(err)
	}
	m.OnLogout(context.Background(), "erin")

	if _, ok := m.Editor("erin"); ok {
		t.Fatal("record survived logout")
	}
	compute.mu.Lock()
	stops := append([]string(nil), compute.stops...)
	compute.mu.Unlock()
	if len(stops) != 1 || stops[0] != "rt-erin" {
		t.Fatalf("runtime stops = %v", stops)
	}
	monitor.mu.Lock()
	unreg := append([]string(nil), monitor.unregistered...)
	monitor.mu.Unlock()
	if len(unreg) != 1 || unreg[0] != "rt-erin" {
		t.Fatalf("unregistered = %v", unreg)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.removed) != 1 {
		t.Fatalf("removed = %v", engine.removed)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	m, _, engine, _ := testManager(t)

	engine.running = []container.RunningEditor{
		{
			Name: "editor-12345678",
			Env: map[string]string{
				"CLOUD_USER_ID": "user-1",
				"PORT":          "23456",
				"RUNTIME_PORT":  "9000",
				"BASE_PATH":     "/u/user-1/",
			},
		},
		{
			Name: "editor-feedface",
			Env: map[string]string{
				// no CLOUD_USER_ID; id comes from BASE_PATH
				"PORT":      "23457",
				"BASE_PATH": "/u/user-2/",
			},
		},
	}

	for i := 0; i < 2; i++ {
		if err := m.Reconcile(context.Background()); err != nil {
			t.Fatalf("reconcile #%d: %v", i+1, err)
		}
	}

	if got := len(m.Editors()); got != 2 {
		t.Fatalf("recovered editors = %d, want 2", got)
	}
	info, ok := m.Editor("user-1")
	if !ok || info.EditorPort != 23456 || info.RuntimePort() != 9000 {
		t.Fatalf("user-1 record = %+v", info)
	}
	if _, ok := m.Editor("user-2"); !ok {
		t.Fatal("user-2 not recovered from BASE_PATH")
	}
}

// deadPort returns a port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestCheckHealthRestartsExitedRuntime(t *testing.T) {
	m, compute, engine, _ := testManager(t)
	compute.runtimePort = deadPort(t)

	info, err := m.EnsureStarted(context.Background(), testUser("gail"))
	if err != nil {
		t.Fatal(err)
	}
	// the editor keeps answering /health; only the runtime is down
	engine.statuses = map[string]string{info.RuntimeName: "exited"}

	m.CheckHealth(context.Background())

	engine.mu.Lock()
	started := append([]string(nil), engine.started...)
	engine.mu.Unlock()
	if len(started) != 1 || started[0] != "runtime-gail" {
		t.Fatalf("started containers = %v, want [runtime-gail]", started)
	}
	if _, ok := m.Editor("gail"); !ok {
		t.Fatal("record dropped while the editor is still alive")
	}
}

func TestCheckHealthKeepsRecordWhenRuntimeGone(t *testing.T) {
	m, compute, engine, _ := testManager(t)
	compute.runtimePort = deadPort(t)

	info, err := m.EnsureStarted(context.Background(), testUser("hank"))
	if err != nil {
		t.Fatal(err)
	}
	engine.statuses = map[string]string{info.RuntimeName: ""}

	m.CheckHealth(context.Background())

	engine.mu.Lock()
	started := append([]string(nil), engine.started...)
	engine.mu.Unlock()
	if len(started) != 0 {
		t.Fatalf("started containers = %v, want none", started)
	}
	if _, ok := m.Editor("hank"); !ok {
		t.Fatal("record dropped while the editor is still alive")
	}
}

func TestTouchDuringIdleSweepIsSafe(t *testing.T) {
	m, _, _, _ := testManager(t)

	if _, err := m.EnsureStarted(context.Background(), testUser("iris")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.Touch("iris")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.CheckIdle(context.Background())
		}
	}()
	wg.Wait()

	info, ok := m.Editor("iris")
	if !ok || info.State() != StateRunning {
		t.Fatal("recently touched editor idled by the sweep")
	}
}

func TestScaffoldWorkspaceIdempotent(t *testing.T) {
	m, _, _, _ := testManager(t)

	if err := m.scaffoldWorkspace("frank"); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(m.cfg.DataDir, "frank", "Projects", "Scratch", "scratch.md")
	if err := os.WriteFile(scratch, []byte("my edits"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.scaffoldWorkspace("frank"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "my edits" {
		t.Fatalf("scaffold overwrote user file: %q", data)
	}

	welcome := filepath.Join(m.cfg.DataDir, "frank", "Projects", "Tutorial", "welcome.md")
	if _, err := os.Stat(welcome); err != nil {
		t.Fatalf("tutorial file missing: %v", err)
	}
}
