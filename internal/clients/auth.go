package clients

import (
	"context"
	"net/http"
)

// User is the identity record AuthService returns. The core treats it as
// read-only.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	Plan     string `json:"plan"` // "free" | "pro" | "team"
}

// AuthResult is the outcome of a login exchange: the user plus the opaque
// session token to set as a cookie.
type AuthResult struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// AuthService is the typed client for the auth sibling. Tokens are opaque
// here; issuance and storage are AuthService's concern.
type AuthService struct{ c *httpClient }

func NewAuthService(baseURL string) *AuthService {
	return &AuthService{c: newHTTPClient("auth-service", baseURL, defaultTimeout)}
}

// Validate resolves a session token to its user. A 401 from upstream is
// returned as a *StatusError so callers can distinguish bad tokens from
// transport failures.
func (a *AuthService) Validate(ctx context.Context, token string) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := a.c.doJSON(ctx, http.MethodGet, "/validate", nil, headers, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// GithubAuth exchanges an OAuth code for a session.
func (a *AuthService) GithubAuth(ctx context.Context, code string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"code": code}
	if err := a.c.doJSON(ctx, http.MethodPost, "/oauth/github", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GoogleAuth exchanges an OAuth code for a session.
func (a *AuthService) GoogleAuth(ctx context.Context, code string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"code": code}
	if err := a.c.doJSON(ctx, http.MethodPost, "/oauth/google", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMagicLink asks AuthService to email a login link.
func (a *AuthService) SendMagicLink(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return a.c.doJSON(ctx, http.MethodPost, "/magic-link", body, nil, nil)
}

// VerifyMagicLink exchanges a magic-link token for a session.
func (a *AuthService) VerifyMagicLink(ctx context.Context, token string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"token": token}
	if err := a.c.doJSON(ctx, http.MethodPost, "/magic-link/verify", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates a session token.
func (a *AuthService) Logout(ctx context.Context, token string) error {
	headers := map[string]string{"Authorization": "Bearer " + token}
	return a.c.doJSON(ctx, http.MethodPost, "/logout", nil, headers, nil)
}

// DeleteAccount removes the user on the auth side.
func (a *AuthService) DeleteAccount(ctx context.Context, token string) error {
	headers := map[string]string{"Authorization": "Bearer " + token}
	return a.c.doJSON(ctx, http.MethodPost, "/account/delete", nil, headers, nil)
}
