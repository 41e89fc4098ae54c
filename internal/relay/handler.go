package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/models"
	"github.com/mrmd-cloud/core/internal/pkg/response"
	"github.com/mrmd-cloud/core/internal/store"
	"github.com/mrmd-cloud/core/internal/tunnel"
	"go.uber.org/zap"
)

// APIStore is the persistence surface of the relay's HTTP API.
// *store.Store satisfies it.
type APIStore interface {
	ListUserDocuments(userID string, withContent, withState bool) ([]models.DocumentModel, error)
	ListProjectDocuments(userID, project string, withContent, withState bool) ([]models.DocumentModel, error)
	UpsertMachine(m *models.MachineModel) error
	SyncCatalog(userID, machineID string, entries []models.CatalogEntryModel) error
	ListCatalog(userID, project string) ([]models.CatalogEntryModel, error)
	ListUserMachines(userID string) ([]models.MachineModel, error)
	CatalogCounts(userID string) (map[string]store.MachineCounts, error)
}

// Handler serves the relay's WebSocket and HTTP API surfaces.
type Handler struct {
	hub     *Hub
	tunnels *tunnel.Hub
	store   APIStore
	auth    *Authenticator
	metrics *Metrics
	log     *zap.Logger
}

func NewHandler(hub *Hub, tunnels *tunnel.Hub, st APIStore, auth *Authenticator, metrics *Metrics, log *zap.Logger) *Handler {
	return &Handler{hub: hub, tunnels: tunnels, store: st, auth: auth, metrics: metrics, log: log.Named("relay-api")}
}

// RegisterRoutes mounts everything on the relay engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)

	// Yjs sync: docPath may contain slashes
	r.GET("/sync/:userId/:project/*docPath", h.handleSync)
	r.GET("/tunnel/:userId", h.handleTunnel)

	api := r.Group("/api", h.tenantAuth())
	{
		api.GET("/documents/:userId", h.listDocuments)
		api.GET("/documents/:userId/:project", h.listProjectDocuments)
		api.POST("/catalog/:userId/:machineId", h.syncCatalog)
		api.GET("/catalog/:userId", h.getCatalog)
		api.GET("/machines/:userId", h.listMachines)
		api.GET("/tunnel/:userId", h.tunnelStatus)
		api.GET("/tunnel/:userId/machines", h.tunnelMachines)
		api.GET("/tunnel/:userId/active", h.tunnelActive)
		api.POST("/tunnel/:userId/active", h.setTunnelActive)
	}
}

func (h *Handler) health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

func (h *Handler) stats(c *gin.Context) {
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":     snap.UptimeSeconds,
		"connections_opened": snap.ConnectionsOpened,
		"connections_closed": snap.ConnectionsClosed,
		"active_connections": snap.ActiveConnections,
		"active_docs":        snap.ActiveDocs,
		"messages_in":        snap.MessagesIn,
		"messages_out":       snap.MessagesOut,
		"docs_loaded":        snap.DocsLoaded,
		"docs_saved":         snap.DocsSaved,
		"save_errors":        snap.SaveErrors,
		"total_errors":       snap.TotalErrors,
		"doc_connections":    h.hub.DocConnCounts(),
	})
}

// tenantAuth enforces caller == :userId on every API route.
func (h *Handler) tenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := h.auth.Authenticate(c.Request.Context(), c.Request, userID); err != nil {
			if errors.Is(err, ErrForbidden) {
				response.Forbidden(c)
			} else {
				response.Unauthorized(c)
			}
			return
		}
		c.Next()
	}
}

func (h *Handler) handleSync(c *gin.Context) {
	userID := c.Param("userId")
	project := c.Param("project")
	docPath := strings.TrimPrefix(c.Param("docPath"), "/")
	if docPath == "" {
		response.BadRequest(c, "doc path required")
		return
	}

	if err := h.auth.Authenticate(c.Request.Context(), c.Request, userID); err != nil {
		// fail fast before any doc state is touched
		status := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		c.AbortWithStatus(status)
		return
	}

	h.hub.HandleSync(c.Writer, c.Request, userID, project, docPath)
}

func (h *Handler) handleTunnel(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.auth.Authenticate(c.Request.Context(), c.Request, userID); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		c.AbortWithStatus(status)
		return
	}
	h.tunnels.HandleTunnel(c.Writer, c.Request, userID)
}

func (h *Handler) listDocuments(c *gin.Context) {
	docs, err := h.store.ListUserDocuments(c.Param("userId"),
		c.Query("content") == "1", c.Query("yjs") == "1")
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, docs)
}

func (h *Handler) listProjectDocuments(c *gin.Context) {
	docs, err := h.store.ListProjectDocuments(c.Param("userId"), c.Param("project"),
		c.Query("content") == "1", c.Query("yjs") == "1")
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, docs)
}

type catalogSyncDTO struct {
	MachineName  string   `json:"machineName"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	Entries      []struct {
		Project     string `json:"project"`
		DocPath     string `json:"docPath"`
		ContentHash string `json:"contentHash"`
		ByteSize    int64  `json:"byteSize"`
	} `json:"entries"`
}

// syncCatalog atomically replaces one machine's catalog and marks the
// machine online.
func (h *Handler) syncCatalog(c *gin.Context) {
	userID := c.Param("userId")
	machineID := c.Param("machineId")

	var dto catalogSyncDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, "invalid catalog payload")
		return
	}

	entries := make([]models.CatalogEntryModel, 0, len(dto.Entries))
	for _, e := range dto.Entries {
		entries = append(entries, models.CatalogEntryModel{
			Project:     e.Project,
			DocPath:     e.DocPath,
			ContentHash: e.ContentHash,
			ByteSize:    e.ByteSize,
		})
	}
	if err := h.store.SyncCatalog(userID, machineID, entries); err != nil {
		response.InternalError(c, err)
		return
	}
	if err := h.store.UpsertMachine(&models.MachineModel{
		UserID:       userID,
		MachineID:    machineID,
		MachineName:  dto.MachineName,
		Hostname:     dto.Hostname,
		Capabilities: dto.Capabilities,
	}); err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"synced": len(entries)})
}

// getCatalog returns machines × projects × docs for browsing.
func (h *Handler) getCatalog(c *gin.Context) {
	userID := c.Param("userId")
	entries, err := h.store.ListCatalog(userID, c.Query("project"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	machines, err := h.store.ListUserMachines(userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	// group entries machine → project → docs
	grouped := make(map[string]map[string][]models.CatalogEntryModel)
	for _, e := range entries {
		byProject, ok := grouped[e.MachineID]
		if !ok {
			byProject = make(map[string][]models.CatalogEntryModel)
			grouped[e.MachineID] = byProject
		}
		byProject[e.Project] = append(byProject[e.Project], e)
	}
	c.JSON(http.StatusOK, gin.H{
		"machines": machines,
		"catalog":  grouped,
	})
}

// listMachines returns the compact machine list with per-machine counts.
func (h *Handler) listMachines(c *gin.Context) {
	userID := c.Param("userId")
	machines, err := h.store.ListUserMachines(userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	counts, err := h.store.CatalogCounts(userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	out := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		cnt := counts[m.MachineID]
		out = append(out, gin.H{
			"machine_id":   m.MachineID,
			"machine_name": m.MachineName,
			"hostname":     m.Hostname,
			"status":       m.Status,
			"last_seen":    m.LastSeen,
			"docs":         cnt.Docs,
			"projects":     cnt.Projects,
		})
	}
	response.OK(c, out)
}

func (h *Handler) tunnelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tunnels.Status(c.Param("userId")))
}

func (h *Handler) tunnelMachines(c *gin.Context) {
	response.OK(c, h.tunnels.Machines(c.Param("userId")))
}

func (h *Handler) tunnelActive(c *gin.Context) {
	active := h.tunnels.ActiveMachine(c.Param("userId"))
	var out interface{}
	if active != "" {
		out = active
	}
	c.JSON(http.StatusOK, gin.H{"active_machine_id": out})
}

type setActiveDTO struct {
	MachineID *string `json:"machineId"`
}

func (h *Handler) setTunnelActive(c *gin.Context) {
	var dto setActiveDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, "invalid body")
		return
	}
	machineID := ""
	if dto.MachineID != nil {
		machineID = *dto.MachineID
	}
	active, err := h.tunnels.SetActive(c.Param("userId"), machineID)
	if err != nil {
		if errors.Is(err, tunnel.ErrMachineNotConnected) {
			response.NotFoundMsg(c, "machine not connected")
			return
		}
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_machine_id": active})
}
