package clients

import (
	"context"
	"fmt"
	"net/http"
)

// ResourceMonitor registers runtimes for resource-pressure observation.
// Registration is best-effort: callers log failures and continue.
type ResourceMonitor struct{ c *httpClient }

func NewResourceMonitor(baseURL string) *ResourceMonitor {
	return &ResourceMonitor{c: newHTTPClient("resource-monitor", baseURL, shortTimeout)}
}

// Register announces a runtime container to the monitor.
func (r *ResourceMonitor) Register(ctx context.Context, userID, runtimeID, containerName string) error {
	body := map[string]string{
		"user_id":        userID,
		"runtime_id":     runtimeID,
		"container_name": containerName,
	}
	return r.c.doJSON(ctx, http.MethodPost, "/watch", body, nil, nil)
}

// Unregister stops observation for a runtime.
func (r *ResourceMonitor) Unregister(ctx context.Context, runtimeID string) error {
	return r.c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/watch/%s", runtimeID), nil, nil, nil)
}
