package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
)

// fakeAuthServer counts /validate hits and resolves tokens from a fixed map.
// A token mapped to "" is rejected with 401; "boom" forces a 500.
func fakeAuthServer(t *testing.T, tokens map[string]string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
			return
		}
		calls.Add(1)
		token := NormalizeToken(r.Header.Get("Authorization"))
		if token == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"upstream exploded"}`))
			return
		}
		userID, ok := tokens[token]
		if !ok || userID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"invalid token"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"user": map[string]string{"id": userID, "username": "tester"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testValidator(t *testing.T, tokens map[string]string) (*Validator, *atomic.Int64) {
	t.Helper()
	srv, calls := fakeAuthServer(t, tokens)
	return NewValidator(clients.NewAuthService(srv.URL), tokencache.New()), calls
}

func TestValidateCachesPositiveResults(t *testing.T) {
	v, calls := testValidator(t, map[string]string{"good": "u1"})

	for i := 0; i < 3; i++ {
		user, err := v.Validate(t.Context(), "good")
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if user.ID != "u1" {
			t.Fatalf("unexpected user %q", user.ID)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("auth service called %d times, want 1", got)
	}
}

func TestValidateCachesRejections(t *testing.T) {
	v, calls := testValidator(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := v.Validate(t.Context(), "stolen"); err == nil {
			t.Fatalf("validate %d: expected error", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("auth service called %d times for a rejected token, want 1", got)
	}
}

func TestTransportFailuresAreNotCached(t *testing.T) {
	v, calls := testValidator(t, nil)

	for i := 0; i < 2; i++ {
		if _, err := v.Validate(t.Context(), "boom"); err == nil {
			t.Fatalf("validate %d: expected error", i)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("auth service called %d times, want 2 (500s must not be cached)", got)
	}
}

func TestInvalidateForcesRevalidation(t *testing.T) {
	v, calls := testValidator(t, map[string]string{"good": "u1"})

	if _, err := v.Validate(t.Context(), "good"); err != nil {
		t.Fatal(err)
	}
	v.Invalidate("good")
	if _, err := v.Validate(t.Context(), "good"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("auth service called %d times, want 2 after invalidate", got)
	}
}

func TestAuthMiddlewareSplitsBrowserAndAPIClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, _ := testValidator(t, map[string]string{"good": "u1"})

	r := gin.New()
	r.GET("/private", Auth(v), func(c *gin.Context) {
		user, _ := CurrentUser(c)
		c.String(http.StatusOK, user.ID)
	})

	// browser without a session gets bounced to login
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Fatalf("browser got %d -> %q, want 302 -> /login", w.Code, w.Header().Get("Location"))
	}

	// API client gets a 401 envelope
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("api client got %d, want 401", w.Code)
	}

	// valid session cookie passes and exposes the user
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "u1" {
		t.Fatalf("got %d %q, want 200 u1", w.Code, w.Body.String())
	}
}

func TestExtractTokenPrecedence(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?token=fromquery", nil)
	c.Request.Header.Set("Authorization", "Bearer fromheader")
	c.Request.AddCookie(&http.Cookie{Name: SessionCookie, Value: "fromcookie"})

	if got := ExtractToken(c); got != "fromheader" {
		t.Fatalf("header should win, got %q", got)
	}

	c.Request.Header.Del("Authorization")
	if got := ExtractToken(c); got != "fromcookie" {
		t.Fatalf("cookie should beat query, got %q", got)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := map[string]string{
		"  abc  ":      "abc",
		"Bearer abc":   "abc",
		"bearer abc":   "abc",
		"BEARER  abc ": "abc",
		"":             "",
		"   ":          "",
	}
	for in, want := range cases {
		if got := NormalizeToken(in); got != want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}
