// Package caddy pushes the edge route table to the Caddy admin API once at
// boot. Per-user routes are not registered; the orchestrator self-proxies
// everything under /u/*.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrmd-cloud/core/internal/config"
	"go.uber.org/zap"
)

const loadTimeout = 10 * time.Second

type route struct {
	Match  []map[string]interface{} `json:"match,omitempty"`
	Handle []map[string]interface{} `json:"handle"`
}

func reverseProxyHandler(upstream string) []map[string]interface{} {
	return []map[string]interface{}{{
		"handler":   "reverse_proxy",
		"upstreams": []map[string]string{{"dial": upstream}},
	}}
}

// buildConfig generates the declarative route table: publish paths go to
// PublishService, everything else to the orchestrator.
func buildConfig(cfg *config.AppConfig) map[string]interface{} {
	routes := []route{
		{
			Match: []map[string]interface{}{{
				"host": []string{cfg.Domain},
				"path": []string{"/@*"},
			}},
			Handle: reverseProxyHandler(hostPort(cfg.PublishServiceURL)),
		},
		{
			Match: []map[string]interface{}{{
				"host": []string{cfg.Domain},
			}},
			Handle: reverseProxyHandler(fmt.Sprintf("localhost:%d", cfg.Port)),
		},
	}

	return map[string]interface{}{
		"apps": map[string]interface{}{
			"http": map[string]interface{}{
				"servers": map[string]interface{}{
					"main": map[string]interface{}{
						"listen": []string{":443"},
						"routes": routes,
					},
				},
			},
		},
	}
}

// hostPort strips the scheme from a service URL for Caddy's dial format.
func hostPort(serviceURL string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if len(serviceURL) > len(prefix) && serviceURL[:len(prefix)] == prefix {
			return serviceURL[len(prefix):]
		}
	}
	return serviceURL
}

// LoadRoutes POSTs the route table to the admin API. Failure is logged and
// non-fatal: dev environments usually run without the edge.
func LoadRoutes(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) {
	log = log.Named("caddy")
	if cfg.CaddyAdminURL == "" {
		log.Debug("no admin URL configured, skipping route load")
		return
	}

	body, err := json.Marshal(buildConfig(cfg))
	if err != nil {
		log.Warn("failed to encode route table", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.CaddyAdminURL+"/load", bytes.NewReader(body))
	if err != nil {
		log.Warn("failed to build admin request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn("edge route load failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn("edge rejected route table",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data))
		return
	}
	log.Info("edge route table loaded", zap.String("domain", cfg.Domain))
}
