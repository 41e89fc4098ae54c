// Package lifecycle owns the per-user editor/runtime pair: login starts it,
// logout tears it down, idle snapshots it, and a periodic health loop keeps
// it alive across container and orchestrator crashes.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/container"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	editorPortMin = 20000
	editorPortMax = 40000

	healthWait  = 30 * time.Second
	healthProbe = 2 * time.Second

	containerUID = 1000
	containerGID = 1000
)

// EditorState tracks where an editor sits in its lifecycle.
type EditorState string

const (
	StateRunning EditorState = "running"
	StateIdle    EditorState = "idle"
)

// EditorInfo is the in-memory record for one user's editor. The identity
// fields are fixed at creation; the mutable tail is written from request
// goroutines, the event dispatcher and the cron loops, so it sits behind a
// mutex.
type EditorInfo struct {
	UserID        string
	ContainerName string
	EditorPort    int
	RuntimeID     string
	RuntimeName   string

	mu          sync.Mutex
	runtimePort int
	snapshotID  string
	state       EditorState
	lastActive  time.Time

	user *clients.User
}

// NewEditorInfo builds a running record with a fresh activity timestamp.
func NewEditorInfo(userID, containerName string, editorPort int,
	runtimeID, runtimeName string, runtimePort int, user *clients.User) *EditorInfo {
	return &EditorInfo{
		UserID:        userID,
		ContainerName: containerName,
		EditorPort:    editorPort,
		RuntimeID:     runtimeID,
		RuntimeName:   runtimeName,
		runtimePort:   runtimePort,
		state:         StateRunning,
		lastActive:    time.Now(),
		user:          user,
	}
}

// State reports where the editor sits in its lifecycle.
func (info *EditorInfo) State() EditorState {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.state
}

// LastActive reports the last time traffic touched the editor.
func (info *EditorInfo) LastActive() time.Time {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.lastActive
}

// RuntimePort reports the runtime port the editor currently talks to.
func (info *EditorInfo) RuntimePort() int {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.runtimePort
}

// SnapshotID reports the checkpoint taken when the editor last idled.
func (info *EditorInfo) SnapshotID() string {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.snapshotID
}

func (info *EditorInfo) touch() {
	info.mu.Lock()
	info.lastActive = time.Now()
	info.mu.Unlock()
}

func (info *EditorInfo) setRuntimePort(port int) {
	info.mu.Lock()
	info.runtimePort = port
	info.mu.Unlock()
}

func (info *EditorInfo) setSnapshotID(id string) {
	info.mu.Lock()
	info.snapshotID = id
	info.mu.Unlock()
}

// markIdle flips a running record to idle, reporting whether the caller owns
// the transition.
func (info *EditorInfo) markIdle() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.state != StateRunning {
		return false
	}
	info.state = StateIdle
	return true
}

// ComputeClient is the slice of the compute-manager API the lifecycle needs.
// *clients.ComputeManager satisfies it.
type ComputeClient interface {
	StartRuntime(ctx context.Context, userID string) (*clients.Runtime, error)
	StopRuntime(ctx context.Context, runtimeID string) error
	SnapshotRuntime(ctx context.Context, runtimeID string) (*clients.Snapshot, error)
	RestoreRuntime(ctx context.Context, userID, snapshotID string) (*clients.Runtime, error)
}

// MonitorClient registers runtimes for resource watching.
// *clients.ResourceMonitor satisfies it.
type MonitorClient interface {
	Register(ctx context.Context, userID, runtimeID, containerName string) error
	Unregister(ctx context.Context, runtimeID string) error
}

// Engine is the container surface the lifecycle drives.
// *container.Driver satisfies it.
type Engine interface {
	RunEditor(ctx context.Context, user *clients.User, editorPort, runtimePort int, image, userDir string) (string, error)
	RemoveContainer(ctx context.Context, name string) error
	StartContainer(ctx context.Context, name string) error
	ListRunning(ctx context.Context) ([]container.RunningEditor, error)
	InspectStatus(ctx context.Context, name string) (string, error)
}

// Manager serializes per-user editor lifecycle transitions.
type Manager struct {
	cfg     *config.AppConfig
	log     *zap.Logger
	engine  Engine
	compute ComputeClient
	monitor MonitorClient

	editors    *xsync.Map[string, *EditorInfo]
	startGroup singleflight.Group
	httpc      *http.Client
}

func NewManager(cfg *config.AppConfig, log *zap.Logger, engine Engine, compute ComputeClient, monitor MonitorClient) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log.Named("lifecycle"),
		engine:  engine,
		compute: compute,
		monitor: monitor,
		editors: xsync.NewMap[string, *EditorInfo](),
		httpc:   &http.Client{Timeout: healthProbe},
	}
}

// Editor returns the live record for a user, if any.
func (m *Manager) Editor(userID string) (*EditorInfo, bool) {
	return m.editors.Load(userID)
}

// Editors snapshots all records for the services endpoint.
func (m *Manager) Editors() []*EditorInfo {
	out := make([]*EditorInfo, 0, m.editors.Size())
	m.editors.Range(func(_ string, info *EditorInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Touch refreshes the activity timestamp used by idle detection.
func (m *Manager) Touch(userID string) {
	if info, ok := m.editors.Load(userID); ok {
		info.touch()
	}
}

// EnsureStarted returns the user's editor, starting it (or resuming it from
// an idle snapshot) if needed. Concurrent calls for the same user share one
// start.
func (m *Manager) EnsureStarted(ctx context.Context, user *clients.User) (*EditorInfo, error) {
	v, err, _ := m.startGroup.Do(user.ID, func() (interface{}, error) {
		if info, ok := m.editors.Load(user.ID); ok {
			switch {
			case info.State() == StateIdle:
				return m.resume(ctx, user, info)
			case m.probeHealth(ctx, info.EditorPort):
				info.touch()
				return info, nil
			}
		}
		return m.startFresh(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EditorInfo), nil
}

func (m *Manager) startFresh(ctx context.Context, user *clients.User) (*EditorInfo, error) {
	if err := m.scaffoldWorkspace(user.ID); err != nil {
		return nil, fmt.Errorf("workspace scaffold: %w", err)
	}

	runtime, err := m.compute.StartRuntime(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}

	info, err := m.launchEditor(ctx, user, runtime)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// launchEditor runs the editor container against an already-running runtime
// and waits for it to serve /health.
func (m *Manager) launchEditor(ctx context.Context, user *clients.User, runtime *clients.Runtime) (*EditorInfo, error) {
	port, err := m.pickEditorPort()
	if err != nil {
		return nil, err
	}

	name, err := m.engine.RunEditor(ctx, user, port, runtime.Port, m.cfg.EditorImage, m.userDir(user.ID))
	if err != nil {
		return nil, fmt.Errorf("run editor: %w", err)
	}

	if err := m.waitHealthy(ctx, port); err != nil {
		m.engine.RemoveContainer(ctx, name)
		return nil, fmt.Errorf("editor never became healthy: %w", err)
	}

	if err := m.monitor.Register(ctx, user.ID, runtime.RuntimeID, runtime.ContainerName); err != nil {
		m.log.Warn("resource monitor registration failed",
			zap.String("user", user.ID), zap.Error(err))
	}

	info := NewEditorInfo(user.ID, name, port,
		runtime.RuntimeID, runtime.ContainerName, runtime.Port, user)
	m.editors.Store(user.ID, info)
	m.log.Info("editor started",
		zap.String("user", user.ID), zap.Int("port", port),
		zap.String("runtime", runtime.RuntimeID))
	return info, nil
}

// resume restores an idle editor from its snapshot, falling back to a fresh
// start when restore fails.
func (m *Manager) resume(ctx context.Context, user *clients.User, info *EditorInfo) (*EditorInfo, error) {
	if snap := info.SnapshotID(); snap != "" {
		runtime, err := m.compute.RestoreRuntime(ctx, user.ID, snap)
		if err == nil {
			return m.launchEditor(ctx, user, runtime)
		}
		m.log.Warn("snapshot restore failed, starting fresh",
			zap.String("user", user.ID), zap.String("snapshot", snap), zap.Error(err))
	}
	return m.startFresh(ctx, user)
}

// OnLogout tears the editor and runtime down and drops the record.
func (m *Manager) OnLogout(ctx context.Context, userID string) {
	info, ok := m.editors.Load(userID)
	if !ok {
		return
	}
	if err := m.engine.RemoveContainer(ctx, info.ContainerName); err != nil {
		m.log.Warn("editor remove failed", zap.String("user", userID), zap.Error(err))
	}
	if info.RuntimeID != "" {
		if err := m.monitor.Unregister(ctx, info.RuntimeID); err != nil {
			m.log.Warn("monitor unregister failed", zap.String("user", userID), zap.Error(err))
		}
		if err := m.compute.StopRuntime(ctx, info.RuntimeID); err != nil {
			m.log.Warn("runtime stop failed", zap.String("user", userID), zap.Error(err))
		}
	}
	m.editors.Delete(userID)
	m.log.Info("editor stopped on logout", zap.String("user", userID))
}

// OnIdle snapshots the runtime, stops both containers and keeps the record
// so the snapshot can be restored when the user returns.
func (m *Manager) OnIdle(ctx context.Context, userID string) {
	info, ok := m.editors.Load(userID)
	if !ok || !info.markIdle() {
		return
	}

	if info.RuntimeID != "" {
		snap, err := m.compute.SnapshotRuntime(ctx, info.RuntimeID)
		if err != nil {
			m.log.Warn("idle snapshot failed, stopping without one",
				zap.String("user", userID), zap.Error(err))
		} else {
			info.setSnapshotID(snap.SnapshotID)
		}
		if err := m.monitor.Unregister(ctx, info.RuntimeID); err != nil {
			m.log.Warn("monitor unregister failed", zap.String("user", userID), zap.Error(err))
		}
		if err := m.compute.StopRuntime(ctx, info.RuntimeID); err != nil {
			m.log.Warn("runtime stop failed", zap.String("user", userID), zap.Error(err))
		}
	}
	if err := m.engine.RemoveContainer(ctx, info.ContainerName); err != nil {
		m.log.Warn("editor remove failed", zap.String("user", userID), zap.Error(err))
	}
	m.log.Info("editor idled",
		zap.String("user", userID), zap.String("snapshot", info.SnapshotID()))
}

// UpdateRuntimePort tells a live editor its runtime moved, then records the
// new port. The editor hot-reloads its runtime connection without restart.
func (m *Manager) UpdateRuntimePort(ctx context.Context, userID string, newPort int) error {
	info, ok := m.editors.Load(userID)
	if !ok {
		return fmt.Errorf("no editor for user %s", userID)
	}
	url := fmt.Sprintf("http://localhost:%d/api/runtime/update-port", info.EditorPort)
	body := strings.NewReader(fmt.Sprintf(`{"port":%d}`, newPort))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("notify editor: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify editor: status %d", resp.StatusCode)
	}
	info.setRuntimePort(newPort)
	return nil
}

// Reconcile rebuilds the editor map from containers that survived an
// orchestrator restart. Running it twice yields the same map.
func (m *Manager) Reconcile(ctx context.Context) error {
	running, err := m.engine.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list editors: %w", err)
	}
	recovered := 0
	for _, ed := range running {
		userID := userIDFromEnv(ed.Env)
		if userID == "" {
			m.log.Warn("editor container without identity env, skipping",
				zap.String("name", ed.Name))
			continue
		}
		editorPort, _ := strconv.Atoi(ed.Env["PORT"])
		runtimePort, _ := strconv.Atoi(ed.Env["RUNTIME_PORT"])
		if editorPort == 0 {
			continue
		}
		if !m.probeHealth(ctx, editorPort) {
			m.log.Warn("recovered editor not healthy, leaving to health loop",
				zap.String("user", userID), zap.Int("port", editorPort))
		}
		// the editor env carries no runtime identity; the health loop
		// skips the runtime ladder for recovered editors
		m.editors.Store(userID, NewEditorInfo(userID, ed.Name, editorPort,
			"", "", runtimePort, userFromEnv(ed.Env)))
		recovered++
	}
	m.log.Info("reconciled editors from container engine", zap.Int("count", recovered))
	return nil
}

// CheckHealth probes every running editor and its runtime, nudging dead
// containers back up. Gone editor containers drop out of the map.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.editors.Range(func(userID string, info *EditorInfo) bool {
		if info.State() != StateRunning {
			return true
		}
		if !m.probeHealth(ctx, info.EditorPort) && !m.reviveEditor(ctx, userID, info) {
			return true
		}
		if port := info.RuntimePort(); port > 0 && !m.probeCapabilities(ctx, port) {
			m.reviveRuntime(ctx, userID, info)
		}
		return true
	})
}

// reviveEditor inspects a dead editor container and restarts it when it
// merely exited. It reports false when the record was dropped.
func (m *Manager) reviveEditor(ctx context.Context, userID string, info *EditorInfo) bool {
	status, err := m.engine.InspectStatus(ctx, info.ContainerName)
	if err != nil {
		m.log.Warn("editor inspect failed",
			zap.String("user", userID), zap.Error(err))
		return true
	}
	switch status {
	case "":
		m.log.Warn("editor container gone, dropping record", zap.String("user", userID))
		m.editors.Delete(userID)
		return false
	case "exited", "stopped":
		m.log.Info("restarting exited editor", zap.String("user", userID))
		if err := m.engine.StartContainer(ctx, info.ContainerName); err != nil {
			m.log.Warn("editor restart failed",
				zap.String("user", userID), zap.Error(err))
		}
	}
	return true
}

// reviveRuntime runs the same ladder against the runtime container when its
// capabilities endpoint stops answering. The record stays either way: the
// editor is still alive and surfaces runtime errors to the user.
func (m *Manager) reviveRuntime(ctx context.Context, userID string, info *EditorInfo) {
	if info.RuntimeName == "" {
		return
	}
	status, err := m.engine.InspectStatus(ctx, info.RuntimeName)
	if err != nil {
		m.log.Warn("runtime inspect failed",
			zap.String("user", userID), zap.Error(err))
		return
	}
	switch status {
	case "":
		m.log.Warn("runtime container gone",
			zap.String("user", userID), zap.String("runtime", info.RuntimeID))
	case "exited", "stopped":
		m.log.Info("restarting exited runtime",
			zap.String("user", userID), zap.String("runtime", info.RuntimeID))
		if err := m.engine.StartContainer(ctx, info.RuntimeName); err != nil {
			m.log.Warn("runtime restart failed",
				zap.String("user", userID), zap.Error(err))
		}
	}
}

// CheckIdle moves editors past the idle threshold to the idle state.
func (m *Manager) CheckIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout())
	m.editors.Range(func(userID string, info *EditorInfo) bool {
		if info.State() == StateRunning && info.LastActive().Before(cutoff) {
			m.OnIdle(ctx, userID)
		}
		return true
	})
}

func (m *Manager) probeHealth(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://localhost:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// probeCapabilities asks the runtime's protocol handshake endpoint whether it
// still answers.
func (m *Manager) probeCapabilities(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://localhost:%d/mrp/capabilities", port), nil)
	if err != nil {
		return false
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (m *Manager) waitHealthy(ctx context.Context, port int) error {
	deadline := time.Now().Add(healthWait)
	for time.Now().Before(deadline) {
		if m.probeHealth(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("no /health answer on port %d within %s", port, healthWait)
}

// pickEditorPort draws random ports in [20000, 40000) until one binds.
func (m *Manager) pickEditorPort() (int, error) {
	for i := 0; i < 50; i++ {
		port := editorPortMin + rand.IntN(editorPortMax-editorPortMin)
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free editor port in [%d, %d)", editorPortMin, editorPortMax)
}

func (m *Manager) userDir(userID string) string {
	return filepath.Join(m.cfg.DataDir, userID)
}

const (
	scratchDefault = "# Scratch\n\nQuick notes live here.\n"
	welcomeDefault = "# Welcome\n\nThis tutorial project shows the basics. Open any " +
		"file and start typing; everything syncs automatically.\n"
)

// scaffoldWorkspace lays out the default per-user tree. Existing files are
// never overwritten.
func (m *Manager) scaffoldWorkspace(userID string) error {
	root := m.userDir(userID)
	dirs := []string{
		filepath.Join(root, "Projects", "Scratch"),
		filepath.Join(root, "Projects", "Tutorial"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	files := map[string]string{
		filepath.Join(root, "Projects", "Scratch", "scratch.md"):  scratchDefault,
		filepath.Join(root, "Projects", "Tutorial", "welcome.md"): welcomeDefault,
	}
	for path, content := range files {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		}
	}

	// the editor runs as uid 1000 inside the container; chown is best-effort
	// since dev machines run unprivileged
	filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		os.Chown(path, containerUID, containerGID)
		return nil
	})
	return nil
}

func userIDFromEnv(env map[string]string) string {
	if id := env["CLOUD_USER_ID"]; id != "" {
		return id
	}
	// fall back to BASE_PATH=/u/<id>/
	bp := env["BASE_PATH"]
	bp = strings.TrimPrefix(bp, "/u/")
	return strings.TrimSuffix(bp, "/")
}

func userFromEnv(env map[string]string) *clients.User {
	return &clients.User{
		ID:       env["CLOUD_USER_ID"],
		Name:     env["CLOUD_USER_NAME"],
		Username: env["CLOUD_USER_USERNAME"],
		Email:    env["CLOUD_USER_EMAIL"],
		Avatar:   env["CLOUD_USER_AVATAR"],
		Plan:     env["CLOUD_USER_PLAN"],
	}
}

// User returns the identity attached to an editor record, if known.
func (info *EditorInfo) User() *clients.User { return info.user }
