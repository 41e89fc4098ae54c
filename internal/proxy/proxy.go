// Package proxy fronts per-user editor containers: authenticated HTTP
// forwarding, WebSocket routing across sync modes, and on-demand editor
// start.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/lifecycle"
	"github.com/mrmd-cloud/core/internal/middleware"
	"github.com/mrmd-cloud/core/internal/pkg/response"
	"github.com/mrmd-cloud/core/internal/pkg/wsproxy"
	"go.uber.org/zap"
)

// legacySyncPath matches the editor's internal sync URLs: /sync/<port>/<doc>.
var legacySyncPath = regexp.MustCompile(`^/sync/(\d+)/(.+)$`)

// EditorSource resolves and starts per-user editors.
// *lifecycle.Manager satisfies it.
type EditorSource interface {
	Editor(userID string) (*lifecycle.EditorInfo, bool)
	EnsureStarted(ctx context.Context, user *clients.User) (*lifecycle.EditorInfo, error)
	Touch(userID string)
}

// Proxy routes /u/:userId traffic and the orchestrator-side WS surface.
type Proxy struct {
	cfg      *config.AppConfig
	log      *zap.Logger
	editors  EditorSource
	bridge   *wsproxy.Bridge
	upgrader websocket.Upgrader
}

func NewProxy(cfg *config.AppConfig, log *zap.Logger, editors EditorSource) *Proxy {
	return &Proxy{
		cfg:     cfg,
		log:     log.Named("proxy"),
		editors: editors,
		bridge:  wsproxy.NewBridge(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the editor proxy and the WS relays behind auth.
func (p *Proxy) RegisterRoutes(r *gin.Engine, authMW gin.HandlerFunc) {
	r.Any("/u/:userId/*path", authMW, p.handleUser)
	r.GET("/sync/:userId/:project/*docPath", authMW, p.handleSyncWS)
	r.GET("/tunnel/:userId", authMW, p.handleTunnelWS)
}

// handleUser enforces tenant isolation and splits HTTP from WS upgrades.
func (p *Proxy) handleUser(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok || user.ID != c.Param("userId") {
		response.Forbidden(c)
		return
	}
	if websocket.IsWebSocketUpgrade(c.Request) {
		p.handleUserWS(c, user)
		return
	}
	p.handleUserHTTP(c, user)
}

// handleUserHTTP forwards to the user's editor, starting it on demand.
func (p *Proxy) handleUserHTTP(c *gin.Context, user *clients.User) {
	info, err := p.ensureEditor(c.Request.Context(), user)
	if err != nil {
		p.log.Warn("on-demand editor start failed",
			zap.String("user", user.ID), zap.Error(err))
		if strings.Contains(c.GetHeader("Accept"), "text/html") {
			c.Redirect(http.StatusFound, "/dashboard")
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "editor unavailable"})
		return
	}
	p.editors.Touch(user.ID)

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", info.EditorPort)}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			proto := "http"
			if c.Request.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("editor upstream error",
				zap.String("user", user.ID), zap.Int("port", info.EditorPort), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"editor unreachable"}`))
		},
	}
	rp.ServeHTTP(c.Writer, c.Request)
}

// handleUserWS routes WebSocket upgrades under /u according to SYNC_MODE.
func (p *Proxy) handleUserWS(c *gin.Context, user *clients.User) {
	rest := c.Param("path")
	match := legacySyncPath.FindStringSubmatch(rest)

	if match != nil && p.cfg.SyncMode == config.SyncModeRelayPrimary {
		// relay owns the doc; the editor container is bypassed entirely
		p.proxyWS(c, p.relaySyncURL(user.ID, match[2]), p.relayHeaders(c, user), nil)
		return
	}

	info, err := p.ensureEditor(c.Request.Context(), user)
	if err != nil {
		p.log.Warn("editor unavailable for websocket",
			zap.String("user", user.ID), zap.Error(err))
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}
	p.editors.Touch(user.ID)

	editorURL := fmt.Sprintf("ws://localhost:%d%s", info.EditorPort, rest)
	if q := c.Request.URL.RawQuery; q != "" {
		editorURL += "?" + q
	}

	var tap wsproxy.Tap
	if match != nil && p.cfg.SyncMode == config.SyncModeMirror {
		tap = newMirrorTap(p.log, p.bridge,
			p.relaySyncURL(user.ID, match[2]), p.relayHeaders(c, user))
	}
	p.proxyWS(c, editorURL, nil, tap)
}

// handleSyncWS forwards native sync connections to the relay with identity
// attached.
func (p *Proxy) handleSyncWS(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok || user.ID != c.Param("userId") {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	docPath := strings.TrimPrefix(c.Param("docPath"), "/")
	target := p.relayWSBase() + fmt.Sprintf("/sync/%s/%s/%s",
		url.PathEscape(user.ID), url.PathEscape(c.Param("project")), docPath)
	p.proxyWS(c, target, p.relayHeaders(c, user), nil)
}

// handleTunnelWS forwards tunnel connections to the relay, preserving the
// role and machine metadata in the query string.
func (p *Proxy) handleTunnelWS(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok || user.ID != c.Param("userId") {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	target := p.relayWSBase() + "/tunnel/" + url.PathEscape(user.ID)
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}
	p.proxyWS(c, target, p.relayHeaders(c, user), nil)
}

// proxyWS upgrades the client and bridges it to the target.
func (p *Proxy) proxyWS(c *gin.Context, targetURL string, header http.Header, tap wsproxy.Tap) {
	client, err := p.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p.bridge.Proxy(c.Request.Context(), client, targetURL, header, tap)
}

// ensureEditor returns a live editor, starting or resuming one on demand.
func (p *Proxy) ensureEditor(ctx context.Context, user *clients.User) (*lifecycle.EditorInfo, error) {
	if info, ok := p.editors.Editor(user.ID); ok && info.State() == lifecycle.StateRunning {
		return info, nil
	}
	return p.editors.EnsureStarted(ctx, user)
}

func (p *Proxy) relayWSBase() string {
	base := p.cfg.SyncRelayURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimRight(base, "/")
}

// relaySyncURL maps a legacy editor sync path onto the relay. Legacy URLs
// carry no project name, so everything lands in "default".
func (p *Proxy) relaySyncURL(userID, docPath string) string {
	return p.relayWSBase() + fmt.Sprintf("/sync/%s/default/%s", url.PathEscape(userID), docPath)
}

func (p *Proxy) relayHeaders(c *gin.Context, user *clients.User) http.Header {
	h := http.Header{}
	h.Set("X-User-Id", user.ID)
	if token := middleware.CurrentToken(c); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
