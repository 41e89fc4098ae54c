package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/events"
	"github.com/mrmd-cloud/core/internal/middleware"
	"github.com/mrmd-cloud/core/internal/pkg/response"
	"github.com/mrmd-cloud/core/internal/proxy"
	"github.com/mrmd-cloud/core/internal/ui"
)

// registerRoutes mounts every orchestrator surface: health and status,
// the UI, the resource webhook and the editor proxy.
func (a *App) registerRoutes(p *proxy.Proxy, uiH *ui.Handler, eventsH *events.Handler, authMW gin.HandlerFunc) {
	r := a.router

	r.NoRoute(func(c *gin.Context) { response.NotFound(c) })

	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/dashboard")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/health", a.apiHealth)
	status := api.Group("")
	if a.redis != nil {
		status.Use(middleware.HTTPCache(a.redis.Raw(), middleware.HTTPCacheOptions{
			TTL: 5 * time.Second,
		}))
	}
	status.GET("/services", a.apiServices)

	var publicMW []gin.HandlerFunc
	if a.redis != nil {
		publicMW = append(publicMW, middleware.RateLimit(a.redis.Raw()))
	}
	uiH.RegisterRoutes(r, authMW, publicMW...)

	eventsH.RegisterRoutes(r)

	p.RegisterRoutes(r, authMW)
}

// apiHealth aggregates sibling health into one readiness answer: 200 only
// when every supervised service responds.
func (a *App) apiHealth(c *gin.Context) {
	states := a.sup.States(c.Request.Context())

	healthy := true
	services := make([]gin.H, 0, len(states))
	for _, st := range states {
		if !st.Healthy {
			healthy = false
		}
		services = append(services, gin.H{"name": st.Name, "healthy": st.Healthy})
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"uptime":   humanizeDuration(time.Since(a.startedAt)),
		"services": services,
	})
}

// apiServices reports the full supervisor state plus the active editor set.
func (a *App) apiServices(c *gin.Context) {
	editors := a.lifecycle.Editors()
	list := make([]gin.H, 0, len(editors))
	for _, info := range editors {
		list = append(list, gin.H{
			"user_id":     info.UserID,
			"state":       info.State(),
			"editor_port": info.EditorPort,
			"runtime_id":  info.RuntimeID,
			"last_active": info.LastActive(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"services": a.sup.States(c.Request.Context()),
		"editors":  list,
	})
}
