package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
)

var (
	ErrUnauthorized = errors.New("relay: unauthorized")
	ErrForbidden    = errors.New("relay: user mismatch")
)

// Authenticator guards the relay's WebSocket and HTTP surfaces. Two accepted
// paths: the trusted X-User-Id header set by the orchestrator after cookie
// validation, or a bearer token validated through AuthService. Either way
// the resolved user must match the user id in the request path.
type Authenticator struct {
	auth   *clients.AuthService
	cache  *tokencache.Cache
	noAuth bool
}

func NewAuthenticator(auth *clients.AuthService, cache *tokencache.Cache, noAuth bool) *Authenticator {
	return &Authenticator{auth: auth, cache: cache, noAuth: noAuth}
}

// Authenticate resolves the caller and enforces tenant isolation against
// pathUserID. Returns ErrForbidden on mismatch and ErrUnauthorized when no
// credential resolves.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, pathUserID string) error {
	if a.noAuth {
		return nil
	}

	if trusted := r.Header.Get("X-User-Id"); trusted != "" {
		if trusted != pathUserID {
			return ErrForbidden
		}
		return nil
	}

	token := BearerToken(r)
	if token == "" {
		return ErrUnauthorized
	}
	user, err := a.validate(ctx, token)
	if err != nil {
		return err
	}
	if user.ID != pathUserID {
		return ErrForbidden
	}
	return nil
}

func (a *Authenticator) validate(ctx context.Context, token string) (*clients.User, error) {
	if user, ok := a.cache.Get(token); ok {
		if user == nil {
			return nil, ErrUnauthorized
		}
		return user, nil
	}

	user, err := a.auth.Validate(ctx, token)
	if err != nil {
		var se *clients.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			a.cache.PutNegative(token)
			return nil, ErrUnauthorized
		}
		// transport failure: do not poison the cache
		return nil, err
	}
	a.cache.PutPositive(token, user)
	return user, nil
}

// BearerToken extracts the token from the Authorization header or the
// ?token= query parameter (browsers cannot set WS headers).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(h[len("Bearer "):])
		}
	}
	return r.URL.Query().Get("token")
}
