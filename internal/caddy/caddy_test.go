package caddy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrmd-cloud/core/internal/config"
	"go.uber.org/zap"
)

func TestHostPort(t *testing.T) {
	if got := hostPort("http://localhost:3003"); got != "localhost:3003" {
		t.Fatalf("hostPort = %q", got)
	}
	if got := hostPort("localhost:3003"); got != "localhost:3003" {
		t.Fatalf("hostPort = %q", got)
	}
}

func TestLoadRoutesPostsConfig(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/load" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cfg := &config.AppConfig{
		Domain:            "example.com",
		Port:              3000,
		PublishServiceURL: "http://localhost:3003",
		CaddyAdminURL:     srv.URL,
	}
	LoadRoutes(context.Background(), cfg, zap.NewNop())

	if got == nil {
		t.Fatal("admin API never called")
	}
	if _, ok := got["apps"]; !ok {
		t.Fatalf("config missing apps: %v", got)
	}
}

func TestLoadRoutesFailureIsNonFatal(t *testing.T) {
	cfg := &config.AppConfig{
		Domain:        "example.com",
		CaddyAdminURL: "http://127.0.0.1:1",
	}
	// must not panic or block
	LoadRoutes(context.Background(), cfg, zap.NewNop())
}
