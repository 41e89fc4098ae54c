package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/pkg/response"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
)

const (
	ContextKeyUser  = "auth_user"
	ContextKeyToken = "auth_token"

	// SessionCookie carries the auth token for browser clients.
	SessionCookie = "session_token"
)

var errNoToken = errors.New("token is required")

// Validator resolves a bearer token to a user, cache-first.
type Validator struct {
	auth  *clients.AuthService
	cache *tokencache.Cache
}

func NewValidator(auth *clients.AuthService, cache *tokencache.Cache) *Validator {
	return &Validator{auth: auth, cache: cache}
}

// Validate checks the token against the cache and the auth service. Auth
// rejections are cached negatively; transport failures are not cached.
func (v *Validator) Validate(ctx context.Context, token string) (*clients.User, error) {
	if token == "" {
		return nil, errNoToken
	}
	if user, ok := v.cache.Get(token); ok {
		if user == nil {
			return nil, errors.New("token rejected")
		}
		return user, nil
	}
	user, err := v.auth.Validate(ctx, token)
	if err != nil {
		status := clients.HTTPStatus(err)
		if status == 401 || status == 403 {
			v.cache.PutNegative(token)
		}
		return nil, err
	}
	v.cache.PutPositive(token, user)
	return user, nil
}

// Invalidate drops a token from the cache (logout, account deletion).
func (v *Validator) Invalidate(token string) { v.cache.Invalidate(token) }

// Auth enforces authentication. Browser requests without a valid session are
// redirected to /login; API requests get a 401 JSON body.
func Auth(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		user, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			if wantsHTML(c) {
				c.Redirect(302, "/login")
				c.Abort()
				return
			}
			response.Unauthorized(c)
			return
		}
		c.Set(ContextKeyUser, user)
		c.Set(ContextKeyToken, token)
		c.Next()
	}
}

// OptionalAuth attaches the user when a valid token is present but never
// blocks the request.
func OptionalAuth(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, err := v.Validate(c.Request.Context(), ExtractToken(c)); err == nil {
			c.Set(ContextKeyUser, user)
			c.Set(ContextKeyToken, ExtractToken(c))
		}
		c.Next()
	}
}

// CurrentUser extracts the authenticated user from context.
func CurrentUser(c *gin.Context) (*clients.User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil, false
	}
	user, ok := v.(*clients.User)
	return user, ok
}

// CurrentToken extracts the raw session token from context.
func CurrentToken(c *gin.Context) string {
	v, _ := c.Get(ContextKeyToken)
	token, _ := v.(string)
	return token
}

// ExtractToken pulls the token from the Authorization header, the session
// cookie or the query string, in that order.
func ExtractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return NormalizeToken(auth)
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
		return NormalizeToken(cookie)
	}
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips an optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

func wantsHTML(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}
