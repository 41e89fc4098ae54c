package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultPort          = 3000
	defaultSyncRelayPort = 3006
	defaultEnv           = "development"
	defaultDomain        = "localhost"
	defaultEditorImage   = "mrmd-editor:latest"
)

// SyncMode selects how legacy editor sync URLs are routed.
type SyncMode string

const (
	SyncModeLegacy       SyncMode = "legacy"
	SyncModeMirror       SyncMode = "mirror"
	SyncModeRelayPrimary SyncMode = "relay_primary"
)

// AppConfig holds runtime configuration, loaded from an optional YAML file
// and overridden by environment variables.
type AppConfig struct {
	Port   int    `yaml:"port"`
	Env    string `yaml:"env"` // "development" | "production"
	Domain string `yaml:"domain"`

	DataDir     string `yaml:"data_dir"`
	EditorImage string `yaml:"editor_image"`

	AuthServiceURL     string `yaml:"auth_service_url"`
	ComputeManagerURL  string `yaml:"compute_manager_url"`
	PublishServiceURL  string `yaml:"publish_service_url"`
	ResourceMonitorURL string `yaml:"resource_monitor_url"`
	SyncRelayURL       string `yaml:"sync_relay_url"`
	SyncRelayPort      int    `yaml:"sync_relay_port"`
	CaddyAdminURL      string `yaml:"caddy_admin_url"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	SyncMode        SyncMode `yaml:"sync_mode"`
	SyncRelayNoAuth bool     `yaml:"sync_relay_no_auth"`

	SaveDebounceMS     int `yaml:"save_debounce_ms"`
	DocCleanupDelayMS  int `yaml:"doc_cleanup_delay_ms"`
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	MaxSyncConns       int `yaml:"max_sync_connections"`

	GithubClientID     string `yaml:"github_client_id"`
	GithubClientSecret string `yaml:"github_client_secret"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	AWSRegion          string `yaml:"aws_region"`
}

// Load reads the YAML file at path (missing file is fine) and applies
// environment overrides and defaults.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	envStr(&c.Env, "NODE_ENV", "APP_ENV")
	envInt(&c.Port, "PORT")
	envStr(&c.Domain, "DOMAIN")
	envStr(&c.DataDir, "DATA_DIR")
	envStr(&c.EditorImage, "EDITOR_IMAGE")
	envStr(&c.AuthServiceURL, "AUTH_SERVICE_URL")
	envStr(&c.ComputeManagerURL, "COMPUTE_MANAGER_URL")
	envStr(&c.PublishServiceURL, "PUBLISH_SERVICE_URL")
	envStr(&c.ResourceMonitorURL, "RESOURCE_MONITOR_URL")
	envStr(&c.SyncRelayURL, "SYNC_RELAY_URL")
	envInt(&c.SyncRelayPort, "SYNC_RELAY_PORT")
	envStr(&c.CaddyAdminURL, "CADDY_ADMIN_URL")
	envStr(&c.DatabaseURL, "DATABASE_URL")
	envStr(&c.RedisURL, "REDIS_URL")
	if v := strings.TrimSpace(os.Getenv("SYNC_MODE")); v != "" {
		c.SyncMode = SyncMode(v)
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_RELAY_NO_AUTH")); v == "1" || strings.EqualFold(v, "true") {
		c.SyncRelayNoAuth = true
	}
	envInt(&c.SaveDebounceMS, "SAVE_DEBOUNCE_MS")
	envInt(&c.DocCleanupDelayMS, "DOC_CLEANUP_DELAY_MS")
	envInt(&c.IdleTimeoutMinutes, "IDLE_TIMEOUT_MINUTES")
	envInt(&c.PollIntervalMS, "POLL_INTERVAL_MS")
	envInt(&c.MaxSyncConns, "MAX_SYNC_CONNECTIONS")
	envStr(&c.GithubClientID, "GITHUB_CLIENT_ID")
	envStr(&c.GithubClientSecret, "GITHUB_CLIENT_SECRET")
	envStr(&c.GoogleClientID, "GOOGLE_CLIENT_ID")
	envStr(&c.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	envStr(&c.AWSRegion, "AWS_REGION")
}

func (c *AppConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Env == "" {
		c.Env = defaultEnv
	}
	if c.Domain == "" {
		c.Domain = defaultDomain
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.EditorImage == "" {
		c.EditorImage = defaultEditorImage
	}
	if c.SyncRelayPort == 0 {
		c.SyncRelayPort = defaultSyncRelayPort
	}
	if c.SyncRelayURL == "" {
		c.SyncRelayURL = fmt.Sprintf("http://localhost:%d", c.SyncRelayPort)
	}
	if c.AuthServiceURL == "" {
		c.AuthServiceURL = "http://localhost:3001"
	}
	if c.ComputeManagerURL == "" {
		c.ComputeManagerURL = "http://localhost:3002"
	}
	if c.PublishServiceURL == "" {
		c.PublishServiceURL = "http://localhost:3003"
	}
	if c.ResourceMonitorURL == "" {
		c.ResourceMonitorURL = "http://localhost:3004"
	}
	if c.SyncMode == "" {
		c.SyncMode = SyncModeLegacy
	}
	if c.SaveDebounceMS == 0 {
		c.SaveDebounceMS = 2000
	}
	if c.DocCleanupDelayMS == 0 {
		c.DocCleanupDelayMS = 60000
	}
	if c.IdleTimeoutMinutes == 0 {
		c.IdleTimeoutMinutes = 30
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 60000
	}
	if c.MaxSyncConns == 0 {
		c.MaxSyncConns = 2000
	}
}

func (c *AppConfig) validate() error {
	switch c.SyncMode {
	case SyncModeLegacy, SyncModeMirror, SyncModeRelayPrimary:
	default:
		return fmt.Errorf("invalid SYNC_MODE %q (want legacy, mirror or relay_primary)", c.SyncMode)
	}
	return nil
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool { return c.Env != "production" }

// SaveDebounce returns the relay save debounce as a duration.
func (c *AppConfig) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceMS) * time.Millisecond
}

// DocCleanupDelay returns the empty-doc eviction delay as a duration.
func (c *AppConfig) DocCleanupDelay() time.Duration {
	return time.Duration(c.DocCleanupDelayMS) * time.Millisecond
}

// IdleTimeout returns the editor idle threshold as a duration.
func (c *AppConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// PollInterval returns the lifecycle health-check interval as a duration.
func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CookieSecure reports whether session cookies should carry the Secure flag.
func (c *AppConfig) CookieSecure() bool {
	return c.Domain != "localhost" && !strings.HasPrefix(c.Domain, "127.") && !strings.HasSuffix(c.Domain, ".local")
}

func envStr(dst *string, keys ...string) {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
