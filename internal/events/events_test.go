package events

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"go.uber.org/zap"
)

type slowMigrator struct {
	mu      sync.Mutex
	calls   []string
	targets []string
	delay   time.Duration
	err     error
}

func (m *slowMigrator) Migrate(ctx context.Context, runtimeID, targetType string) (*clients.Runtime, error) {
	m.mu.Lock()
	m.calls = append(m.calls, runtimeID)
	m.targets = append(m.targets, targetType)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &clients.Runtime{RuntimeID: runtimeID, Port: 9100}, nil
}

func (m *slowMigrator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type recordingLifecycle struct {
	mu        sync.Mutex
	idled     []string
	portUsers []string
	ports     []int
}

func (l *recordingLifecycle) OnIdle(ctx context.Context, userID string) {
	l.mu.Lock()
	l.idled = append(l.idled, userID)
	l.mu.Unlock()
}

func (l *recordingLifecycle) UpdateRuntimePort(ctx context.Context, userID string, newPort int) error {
	l.mu.Lock()
	l.portUsers = append(l.portUsers, userID)
	l.ports = append(l.ports, newPort)
	l.mu.Unlock()
	return nil
}

func TestUpgradeTargetTable(t *testing.T) {
	cases := []struct {
		percent float64
		want    string
	}{
		{95, "t3.xlarge"},
		{90, "t3.xlarge"},
		{80, "t3.large"},
		{75, "t3.large"},
		{60, "t3.medium"},
		{50, "t3.medium"},
		{40, "t3.small"},
		{0, "t3.small"},
	}
	for _, tc := range cases {
		if got := UpgradeTarget(tc.percent); got != tc.want {
			t.Errorf("UpgradeTarget(%v) = %q, want %q", tc.percent, got, tc.want)
		}
	}
}

func TestMigrationDedupPerRuntime(t *testing.T) {
	migrator := &slowMigrator{delay: 100 * time.Millisecond}
	lc := &recordingLifecycle{}
	h := NewHandler(zap.NewNop(), migrator, lc)

	ev := Event{Type: EventPreProvision, UserID: "u1", RuntimeID: "rt-1", MemoryPercent: 55}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Dispatch(ev)
		}()
	}
	wg.Wait()

	if got := migrator.callCount(); got != 1 {
		t.Fatalf("Migrate called %d times, want 1", got)
	}

	// after the first completes, a new event migrates again
	h.Dispatch(ev)
	if got := migrator.callCount(); got != 2 {
		t.Fatalf("Migrate after completion called %d times total, want 2", got)
	}
}

func TestMigrationNotifiesEditor(t *testing.T) {
	migrator := &slowMigrator{}
	lc := &recordingLifecycle{}
	h := NewHandler(zap.NewNop(), migrator, lc)

	h.Dispatch(Event{Type: EventUrgentMigrate, UserID: "u1", RuntimeID: "rt-1", MemoryPercent: 92})

	migrator.mu.Lock()
	targets := append([]string(nil), migrator.targets...)
	migrator.mu.Unlock()
	if len(targets) != 1 || targets[0] != "t3.xlarge" {
		t.Fatalf("migrate targets = %v", targets)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.ports) != 1 || lc.ports[0] != 9100 || lc.portUsers[0] != "u1" {
		t.Fatalf("editor notifications = users %v ports %v", lc.portUsers, lc.ports)
	}
}

func TestMigrationFailureSkipsNotification(t *testing.T) {
	migrator := &slowMigrator{err: errors.New("no capacity")}
	lc := &recordingLifecycle{}
	h := NewHandler(zap.NewNop(), migrator, lc)

	h.Dispatch(Event{Type: EventMigrate, UserID: "u1", RuntimeID: "rt-1", MemoryPercent: 80})

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.ports) != 0 {
		t.Fatalf("editor notified despite failed migration: %v", lc.ports)
	}
}

func TestIdleSleepDelegates(t *testing.T) {
	migrator := &slowMigrator{}
	lc := &recordingLifecycle{}
	h := NewHandler(zap.NewNop(), migrator, lc)

	h.Dispatch(Event{Type: EventIdleSleep, UserID: "u9"})
	h.Dispatch(Event{Type: EventIdleWake, UserID: "u9"})

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.idled) != 1 || lc.idled[0] != "u9" {
		t.Fatalf("idled = %v, want [u9]", lc.idled)
	}
	if migrator.callCount() != 0 {
		t.Fatal("idle events must not migrate")
	}
}

func TestWebhookAcknowledgesImmediately(t *testing.T) {
	gin.SetMode(gin.TestMode)
	migrator := &slowMigrator{delay: time.Second}
	lc := &recordingLifecycle{}
	h := NewHandler(zap.NewNop(), migrator, lc)

	router := gin.New()
	h.RegisterRoutes(router)

	body := bytes.NewBufferString(`{"event":"migrate","user_id":"u1","runtime_id":"rt-1","memory_percent":80}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/resource", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	start := time.Now()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("handler blocked on migration for %s", elapsed)
	}

	// the async migration still runs
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if migrator.callCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async migration never started")
}

func TestGPUHintUsesGPUClass(t *testing.T) {
	migrator := &slowMigrator{}
	h := NewHandler(zap.NewNop(), migrator, &recordingLifecycle{})

	h.Dispatch(Event{Type: EventGPUHint, UserID: "u1", RuntimeID: "rt-1"})

	migrator.mu.Lock()
	defer migrator.mu.Unlock()
	if len(migrator.targets) != 1 || migrator.targets[0] != gpuInstanceType {
		t.Fatalf("targets = %v, want [%s]", migrator.targets, gpuInstanceType)
	}
}
