// Package events handles resource-monitor webhooks: memory-pressure
// migrations, idle transitions and GPU hints. The handler acknowledges
// immediately and does the work asynchronously.
package events

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	// event types the resource monitor emits
	EventPreProvision  = "pre-provision"
	EventMigrate       = "migrate"
	EventUrgentMigrate = "urgent-migrate"
	EventCritical      = "critical"
	EventIdleSleep     = "idle-sleep"
	EventIdleWake      = "idle-wake"
	EventGPUHint       = "gpu-hint"

	gpuInstanceType = "g4dn.xlarge"
	migrateTimeout  = 30 * time.Second
)

// Event is one resource webhook payload.
type Event struct {
	Type          string  `json:"event"`
	UserID        string  `json:"user_id"`
	RuntimeID     string  `json:"runtime_id"`
	MemoryPercent float64 `json:"memory_percent"`
}

// MigrateClient moves a runtime to another instance class.
// *clients.ComputeManager satisfies it.
type MigrateClient interface {
	Migrate(ctx context.Context, runtimeID, targetType string) (*clients.Runtime, error)
}

// Lifecycle is the slice of the lifecycle manager the handler drives.
type Lifecycle interface {
	OnIdle(ctx context.Context, userID string)
	UpdateRuntimePort(ctx context.Context, userID string, newPort int) error
}

// Handler dispatches resource events.
type Handler struct {
	log       *zap.Logger
	compute   MigrateClient
	lifecycle Lifecycle

	// one migration per runtime at a time; later events while one is in
	// flight are absorbed
	inflight *xsync.Map[string, struct{}]
}

func NewHandler(log *zap.Logger, compute MigrateClient, lifecycle Lifecycle) *Handler {
	return &Handler{
		log:       log.Named("events"),
		compute:   compute,
		lifecycle: lifecycle,
		inflight:  xsync.NewMap[string, struct{}](),
	}
}

// RegisterRoutes mounts the webhook sink.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/hooks/resource", h.handle)
}

// handle acknowledges before acting so the monitor never blocks on us.
func (h *Handler) handle(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
	go h.Dispatch(ev)
}

// Dispatch routes one event. Exported so boot-time replays can reuse it.
func (h *Handler) Dispatch(ev Event) {
	switch ev.Type {
	case EventPreProvision, EventMigrate, EventUrgentMigrate:
		h.migrate(ev, UpgradeTarget(ev.MemoryPercent))
	case EventCritical:
		h.migrate(ev, UpgradeTarget(100))
	case EventGPUHint:
		h.migrate(ev, gpuInstanceType)
	case EventIdleSleep:
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		h.lifecycle.OnIdle(ctx, ev.UserID)
	case EventIdleWake:
		// runtime is still running; nothing to do
	default:
		h.log.Warn("unknown resource event", zap.String("event", ev.Type))
	}
}

func (h *Handler) migrate(ev Event, target string) {
	if ev.RuntimeID == "" {
		h.log.Warn("migration event without runtime id", zap.String("event", ev.Type))
		return
	}
	if _, loaded := h.inflight.LoadOrStore(ev.RuntimeID, struct{}{}); loaded {
		h.log.Debug("migration already in flight",
			zap.String("runtime", ev.RuntimeID), zap.String("event", ev.Type))
		return
	}
	defer h.inflight.Delete(ev.RuntimeID)

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	h.log.Info("migrating runtime",
		zap.String("runtime", ev.RuntimeID), zap.String("target", target),
		zap.Float64("memory_percent", ev.MemoryPercent))
	runtime, err := h.compute.Migrate(ctx, ev.RuntimeID, target)
	if err != nil {
		h.log.Error("migration failed",
			zap.String("runtime", ev.RuntimeID), zap.String("target", target), zap.Error(err))
		return
	}

	if ev.UserID != "" {
		if err := h.lifecycle.UpdateRuntimePort(ctx, ev.UserID, runtime.Port); err != nil {
			h.log.Warn("editor not notified of new runtime port",
				zap.String("user", ev.UserID), zap.Int("port", runtime.Port), zap.Error(err))
		}
	}
}

// UpgradeTarget maps memory pressure to the next instance class.
func UpgradeTarget(memoryPercent float64) string {
	switch {
	case memoryPercent >= 90:
		return "t3.xlarge"
	case memoryPercent >= 75:
		return "t3.large"
	case memoryPercent >= 50:
		return "t3.medium"
	default:
		return "t3.small"
	}
}
