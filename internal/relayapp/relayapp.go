// Package relayapp assembles the sync relay process: the document hub, the
// runtime tunnel hub and their shared HTTP surface.
package relayapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/database"
	"github.com/mrmd-cloud/core/internal/middleware"
	pkgcron "github.com/mrmd-cloud/core/internal/pkg/cron"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
	"github.com/mrmd-cloud/core/internal/relay"
	"github.com/mrmd-cloud/core/internal/store"
	"github.com/mrmd-cloud/core/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App holds the relay process dependencies.
type App struct {
	cfg     *config.AppConfig
	router  *gin.Engine
	hub     *relay.Hub
	tunnels *tunnel.Hub
	logger  *zap.Logger
	cancel  context.CancelFunc
	sched   *pkgcron.Scheduler
}

// New initializes the relay: config → DB → hubs → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	db, err := database.Connect(cfg, logger, false)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.EnsureSchema(cfg, logger); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	st := store.NewStore(db)

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-Id"},
		AllowCredentials: true,
		AllowOriginFunc:  func(origin string) bool { return true },
	}))

	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)
	cache := tokencache.New()
	authn := relay.NewAuthenticator(
		clients.NewAuthService(cfg.AuthServiceURL), cache, cfg.SyncRelayNoAuth)
	if cfg.SyncRelayNoAuth {
		logger.Warn("relay auth disabled (SYNC_RELAY_NO_AUTH); trusting X-User-Id headers")
	}

	hub := relay.NewHub(logger, st, metrics,
		cfg.SaveDebounce(), cfg.DocCleanupDelay(), cfg.MaxSyncConns)
	tunnels := tunnel.NewHub(logger, st)
	hub.SetBridgeRequester(tunnels)

	relay.NewHandler(hub, tunnels, st, authn, metrics, logger).RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ctx, cancel := context.WithCancel(context.Background())
	sched := pkgcron.New()
	sched.Register(pkgcron.Job{
		Name:        "sweep_token_cache",
		Description: "drop expired auth token cache entries",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			cache.Sweep()
			return nil
		},
	})
	go sched.Start(ctx)

	return &App{
		cfg:     cfg,
		router:  router,
		hub:     hub,
		tunnels: tunnels,
		logger:  logger,
		cancel:  cancel,
		sched:   sched,
	}, nil
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.SyncRelayPort) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown closes every sync socket, flushes dirty documents and stops
// background jobs. Blocks until done or ctx expires.
func (a *App) Shutdown(ctx context.Context) {
	a.cancel()
	a.hub.Shutdown(ctx)
}
