package clients

import (
	"context"
	"fmt"
	"net/http"
)

// Runtime describes one user runtime container as reported by
// ComputeManager.
type Runtime struct {
	RuntimeID     string `json:"runtime_id"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
	Host          string `json:"host"`
	InstanceType  string `json:"instance_type,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Snapshot is the handle ComputeManager returns for a CRIU checkpoint.
type Snapshot struct {
	SnapshotID string `json:"snapshot_id"`
}

// ComputeManager is the typed client for runtime provisioning, migration
// and snapshot/restore.
type ComputeManager struct{ c *httpClient }

func NewComputeManager(baseURL string) *ComputeManager {
	return &ComputeManager{c: newHTTPClient("compute-manager", baseURL, defaultTimeout)}
}

// StartRuntime provisions (or returns) the user's runtime container.
func (m *ComputeManager) StartRuntime(ctx context.Context, userID string) (*Runtime, error) {
	var out Runtime
	body := map[string]string{"user_id": userID}
	if err := m.c.doJSON(ctx, http.MethodPost, "/runtimes", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRuntime reads the current runtime for a user; nil when none exists.
func (m *ComputeManager) GetRuntime(ctx context.Context, userID string) (*Runtime, error) {
	var out Runtime
	err := m.c.doJSON(ctx, http.MethodGet, "/runtimes/"+userID, nil, nil, &out)
	if err != nil {
		if se, ok := err.(*StatusError); ok && se.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// StopRuntime tears the runtime down.
func (m *ComputeManager) StopRuntime(ctx context.Context, runtimeID string) error {
	return m.c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/runtimes/%s/stop", runtimeID), nil, nil, nil)
}

// Migrate moves the runtime to the given instance type and returns its new
// location. Long operation; callers pass a generous context.
func (m *ComputeManager) Migrate(ctx context.Context, runtimeID, targetType string) (*Runtime, error) {
	var out Runtime
	body := map[string]string{"target_type": targetType}
	if err := m.c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/runtimes/%s/migrate", runtimeID), body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SnapshotRuntime checkpoints the runtime for idle sleep.
func (m *ComputeManager) SnapshotRuntime(ctx context.Context, runtimeID string) (*Snapshot, error) {
	var out Snapshot
	if err := m.c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/runtimes/%s/snapshot", runtimeID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestoreRuntime brings a snapshot back as a running runtime.
func (m *ComputeManager) RestoreRuntime(ctx context.Context, userID, snapshotID string) (*Runtime, error) {
	var out Runtime
	body := map[string]string{"user_id": userID, "snapshot_id": snapshotID}
	if err := m.c.doJSON(ctx, http.MethodPost, "/runtimes/restore", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
