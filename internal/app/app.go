// Package app assembles the orchestrator process: editor lifecycle, the
// authenticated proxy, the resource-event webhook, the UI surface and the
// sibling-service supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/caddy"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/container"
	"github.com/mrmd-cloud/core/internal/events"
	"github.com/mrmd-cloud/core/internal/lifecycle"
	"github.com/mrmd-cloud/core/internal/middleware"
	pkgcron "github.com/mrmd-cloud/core/internal/pkg/cron"
	pkgredis "github.com/mrmd-cloud/core/internal/pkg/redis"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
	"github.com/mrmd-cloud/core/internal/proxy"
	"github.com/mrmd-cloud/core/internal/supervisor"
	"github.com/mrmd-cloud/core/internal/ui"
	"go.uber.org/zap"
)

const reconcileTimeout = 30 * time.Second

// App holds all orchestrator dependencies.
type App struct {
	cfg       *config.AppConfig
	router    *gin.Engine
	logger    *zap.Logger
	redis     *pkgredis.Client
	lifecycle *lifecycle.Manager
	sup       *supervisor.Supervisor
	sched     *pkgcron.Scheduler
	cancel    context.CancelFunc
	startedAt time.Time
}

// New initializes the orchestrator: clients → container driver → lifecycle →
// routes → background jobs. Sibling services and the edge route table are
// brought up asynchronously; their failure is reported, not fatal.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	var rc *pkgredis.Client
	if cfg.RedisURL != "" {
		var err error
		rc, err = pkgredis.Connect(cfg.RedisURL)
		if err != nil {
			// rate limiting and response caching are advisory
			logger.Warn("redis unavailable, running without it", zap.Error(err))
			rc = nil
		}
	}

	authSvc := clients.NewAuthService(cfg.AuthServiceURL)
	compute := clients.NewComputeManager(cfg.ComputeManagerURL)
	monitor := clients.NewResourceMonitor(cfg.ResourceMonitorURL)

	driver, err := container.NewDriver(logger)
	if err != nil {
		return nil, fmt.Errorf("container engine: %w", err)
	}

	lm := lifecycle.NewManager(cfg, logger, driver, compute, monitor)

	cache := tokencache.New()
	validator := middleware.NewValidator(authSvc, cache)

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(buildCORSConfig(cfg)))
	if rc != nil {
		router.Use(middleware.Idempotence(rc.Raw()))
	}

	sup := supervisor.New(logger, siblingServices(cfg))

	app := &App{
		cfg:       cfg,
		router:    router,
		logger:    logger,
		redis:     rc,
		lifecycle: lm,
		sup:       sup,
		startedAt: time.Now(),
	}

	authMW := middleware.Auth(validator)
	p := proxy.NewProxy(cfg, logger, lm)
	eventsH := events.NewHandler(logger, compute, lm)
	uiH := ui.NewHandler(cfg, logger, authSvc, validator, lm.OnLogout)
	app.registerRoutes(p, uiH, eventsH, authMW)

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	sched := pkgcron.New()
	app.sched = sched
	registerCronJobs(sched, cfg, lm, sup, cache)
	go sched.Start(ctx)

	go func() {
		if failed := sup.Start(ctx); len(failed) > 0 {
			logger.Warn("some services did not come up", zap.Strings("services", failed))
		}
	}()
	go caddy.LoadRoutes(ctx, cfg, logger)
	go func() {
		rctx, rcancel := context.WithTimeout(ctx, reconcileTimeout)
		defer rcancel()
		if err := lm.Reconcile(rctx); err != nil {
			logger.Warn("editor reconcile failed", zap.Error(err))
		}
	}()

	return app, nil
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background jobs and the supervised children. Editor
// containers are left running; a restart reconciles them back in.
func (a *App) Shutdown(ctx context.Context) {
	a.cancel()
	a.sup.StopAll()
}

func buildCORSConfig(cfg *config.AppConfig) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-Id"},
		ExposeHeaders:    []string{"Content-Length", "x-mrmd-cache"},
		AllowCredentials: true,
	}
	if cfg.IsDev() {
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
		return corsConfig
	}
	patterns := []string{cfg.Domain, "*." + cfg.Domain}
	corsConfig.AllowOriginFunc = func(origin string) bool {
		host := extractOriginHost(origin)
		for _, pattern := range patterns {
			if matchOriginPattern(pattern, host) {
				return true
			}
		}
		return false
	}
	return corsConfig
}
