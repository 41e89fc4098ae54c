// Package ui serves the orchestrator's browser surface: login, OAuth
// callbacks, magic links, the dashboard shell and project import.
package ui

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/middleware"
	"github.com/mrmd-cloud/core/internal/pkg/response"
	"go.uber.org/zap"
)

const (
	sessionTTL      = 30 * 24 * time.Hour
	importTimeout   = 60 * time.Second
	githubAuthorize = "https://github.com/login/oauth/authorize"
	googleAuthorize = "https://accounts.google.com/o/oauth2/v2/auth"
)

var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]{0,63}$`)

// Handler serves login, session and dashboard routes.
type Handler struct {
	cfg       *config.AppConfig
	log       *zap.Logger
	auth      *clients.AuthService
	validator *middleware.Validator
	logout    func(ctx context.Context, userID string)
}

// NewHandler wires the UI surface. onLogout tears down the user's editor.
func NewHandler(cfg *config.AppConfig, log *zap.Logger, auth *clients.AuthService,
	validator *middleware.Validator, onLogout func(ctx context.Context, userID string)) *Handler {
	return &Handler{
		cfg:       cfg,
		log:       log.Named("ui"),
		auth:      auth,
		validator: validator,
		logout:    onLogout,
	}
}

// RegisterRoutes mounts public and authenticated UI routes.
func (h *Handler) RegisterRoutes(r *gin.Engine, authMW gin.HandlerFunc, publicMW ...gin.HandlerFunc) {
	pub := r.Group("", publicMW...)
	{
		pub.GET("/login", h.loginPage)
		pub.GET("/login/github", h.githubRedirect)
		pub.GET("/login/google", h.googleRedirect)
		pub.GET("/auth/callback/github", h.githubCallback)
		pub.GET("/auth/callback/google", h.googleCallback)
		pub.POST("/auth/magic-link", h.sendMagicLink)
		pub.GET("/auth/verify", h.verifyMagicLink)
	}

	r.POST("/logout", authMW, h.handleLogout)
	r.GET("/dashboard", authMW, h.dashboard)
	r.GET("/sandbox", authMW, h.sandbox)
	r.POST("/account/delete", authMW, h.deleteAccount)
	r.POST("/projects/import", authMW, h.importProject)
}

func (h *Handler) loginPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(loginHTML))
}

func (h *Handler) githubRedirect(c *gin.Context) {
	q := url.Values{}
	q.Set("client_id", h.cfg.GithubClientID)
	q.Set("redirect_uri", h.callbackURL(c, "github"))
	q.Set("scope", "user:email")
	c.Redirect(http.StatusFound, githubAuthorize+"?"+q.Encode())
}

func (h *Handler) googleRedirect(c *gin.Context) {
	q := url.Values{}
	q.Set("client_id", h.cfg.GoogleClientID)
	q.Set("redirect_uri", h.callbackURL(c, "google"))
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	c.Redirect(http.StatusFound, googleAuthorize+"?"+q.Encode())
}

func (h *Handler) callbackURL(c *gin.Context, provider string) string {
	scheme := "https"
	if !h.cfg.CookieSecure() {
		scheme = "http"
	}
	host := c.Request.Host
	if host == "" {
		host = h.cfg.Domain
	}
	return fmt.Sprintf("%s://%s/auth/callback/%s", scheme, host, provider)
}

func (h *Handler) githubCallback(c *gin.Context) {
	h.oauthCallback(c, h.auth.GithubAuth)
}

func (h *Handler) googleCallback(c *gin.Context) {
	h.oauthCallback(c, h.auth.GoogleAuth)
}

func (h *Handler) oauthCallback(c *gin.Context, exchange func(ctx context.Context, code string) (*clients.AuthResult, error)) {
	code := c.Query("code")
	if code == "" {
		c.Redirect(http.StatusFound, "/login?error=missing_code")
		return
	}
	result, err := exchange(c.Request.Context(), code)
	if err != nil {
		h.log.Warn("oauth exchange failed", zap.Error(err))
		c.Redirect(http.StatusFound, "/login?error=auth_failed")
		return
	}
	h.setSessionCookie(c, result.Token)
	c.Redirect(http.StatusFound, "/dashboard")
}

func (h *Handler) sendMagicLink(c *gin.Context) {
	var body struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email required")
		return
	}
	if err := h.auth.SendMagicLink(c.Request.Context(), body.Email); err != nil {
		h.log.Warn("magic link send failed", zap.Error(err))
		response.InternalError(c, fmt.Errorf("could not send magic link"))
		return
	}
	response.OK(c, gin.H{"sent": true})
}

func (h *Handler) verifyMagicLink(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.Redirect(http.StatusFound, "/login?error=missing_token")
		return
	}
	result, err := h.auth.VerifyMagicLink(c.Request.Context(), token)
	if err != nil {
		c.Redirect(http.StatusFound, "/login?error=link_expired")
		return
	}
	h.setSessionCookie(c, result.Token)
	c.Redirect(http.StatusFound, "/dashboard")
}

// handleLogout invalidates the session everywhere: auth service, token
// cache, cookies and the user's editor.
func (h *Handler) handleLogout(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	token := middleware.CurrentToken(c)

	if err := h.auth.Logout(c.Request.Context(), token); err != nil {
		h.log.Warn("auth service logout failed", zap.Error(err))
	}
	h.validator.Invalidate(token)
	h.clearSessionCookies(c)
	if user != nil && h.logout != nil {
		go h.logout(context.Background(), user.ID)
	}
	response.OK(c, gin.H{"logged_out": true})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	token := middleware.CurrentToken(c)

	if err := h.auth.DeleteAccount(c.Request.Context(), token); err != nil {
		response.InternalError(c, fmt.Errorf("account deletion failed"))
		return
	}
	h.validator.Invalidate(token)
	h.clearSessionCookies(c)
	if user != nil && h.logout != nil {
		go h.logout(context.Background(), user.ID)
	}
	response.OK(c, gin.H{"deleted": true})
}

func (h *Handler) dashboard(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	page := strings.ReplaceAll(dashboardHTML, "{{username}}", htmlEscape(displayName(user)))
	page = strings.ReplaceAll(page, "{{userId}}", htmlEscape(user.ID))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func (h *Handler) sandbox(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(sandboxHTML))
}

// importProject shallow-clones a git repository into the user's workspace.
func (h *Handler) importProject(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	var body struct {
		RepoURL string `json:"repo_url" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "repo_url required")
		return
	}

	repoURL := strings.TrimSpace(body.RepoURL)
	if !isRemoteRepoURL(repoURL) {
		response.BadRequest(c, "repo_url must be an absolute http(s) URL")
		return
	}

	name := body.Name
	if name == "" {
		name = projectNameFromURL(repoURL)
	}
	if !projectNameRe.MatchString(name) {
		response.BadRequest(c, "invalid project name")
		return
	}

	dest := filepath.Join(h.cfg.DataDir, user.ID, "Projects", name)
	ctx, cancel := context.WithTimeout(c.Request.Context(), importTimeout)
	defer cancel()

	// "--" keeps the URL out of git's option parsing
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--", repoURL, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		h.log.Warn("project import failed",
			zap.String("user", user.ID), zap.String("repo", repoURL),
			zap.String("output", strings.TrimSpace(string(out))), zap.Error(err))
		response.UnprocessableEntity(c, "clone failed")
		return
	}
	response.Created(c, gin.H{"project": name})
}

// isRemoteRepoURL accepts only absolute http(s) URLs. Local paths, file://
// and the exotic git transports would let one tenant clone another's
// workspace off the shared disk.
func isRemoteRepoURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// projectNameFromURL derives a workspace name from the repo URL.
func projectNameFromURL(repoURL string) string {
	base := repoURL
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".git")
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure(),
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookies expires both the bare-domain cookie and the legacy
// leading-dot variant older sessions may still carry.
func (h *Handler) clearSessionCookies(c *gin.Context) {
	base := http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure(),
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(c.Writer, &base)

	legacy := base
	legacy.Domain = "." + h.cfg.Domain
	http.SetCookie(c.Writer, &legacy)
}

func displayName(user *clients.User) string {
	if user == nil {
		return ""
	}
	if user.Name != "" {
		return user.Name
	}
	if user.Username != "" {
		return user.Username
	}
	return user.Email
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
