package app

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/supervisor"
)

// siblingServices builds the supervised service set. Commands come from
// *_CMD environment variables (argv, space-split); a service without a
// command is external-only and is never spawned, just health-gated.
// The sync relay ships in this repo, so its default command is the
// syncrelay binary next to the running executable.
func siblingServices(cfg *config.AppConfig) []supervisor.Service {
	return []supervisor.Service{
		{
			Name:      "auth-service",
			Command:   commandFromEnv("AUTH_SERVICE_CMD"),
			HealthURL: cfg.AuthServiceURL + "/health",
		},
		{
			Name:      "compute-manager",
			Command:   commandFromEnv("COMPUTE_MANAGER_CMD"),
			HealthURL: cfg.ComputeManagerURL + "/health",
		},
		{
			Name:      "publish-service",
			Command:   commandFromEnv("PUBLISH_SERVICE_CMD"),
			HealthURL: cfg.PublishServiceURL + "/health",
		},
		{
			Name:      "resource-monitor",
			Command:   commandFromEnv("RESOURCE_MONITOR_CMD"),
			HealthURL: cfg.ResourceMonitorURL + "/health",
		},
		{
			Name:      "sync-relay",
			Command:   syncRelayCommand(),
			HealthURL: strings.TrimRight(cfg.SyncRelayURL, "/") + "/health",
		},
	}
}

func commandFromEnv(key string) []string {
	return strings.Fields(os.Getenv(key))
}

func syncRelayCommand() []string {
	if cmd := commandFromEnv("SYNC_RELAY_CMD"); len(cmd) > 0 {
		return cmd
	}
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	sibling := filepath.Join(filepath.Dir(exe), "syncrelay")
	if _, err := os.Stat(sibling); err != nil {
		return nil
	}
	return []string{sibling}
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	if d < time.Hour {
		return d.Truncate(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}
