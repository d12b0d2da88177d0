// Package config loads the governance engine's runtime configuration.
//
// Resolution order: built-in defaults, then an optional YAML profile file
// under the config root, then environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OfflineMode controls what the Enforcer does once the control plane has
// been unreachable for heartbeatFailureThreshold consecutive ticks.
type OfflineMode string

const (
	OfflineModeBlock  OfflineMode = "block"
	OfflineModeAllow  OfflineMode = "allow"
	OfflineModeCached OfflineMode = "cached"
)

// Config holds all recognized configuration options from spec §6.
type Config struct {
	ControlPlaneURL           string      `yaml:"control_plane_url" json:"controlPlaneUrl"`
	OrgID                     string      `yaml:"org_id" json:"orgId"`
	ConfigRoot                string      `yaml:"config_root" json:"configRoot"`
	HeartbeatIntervalMs       int         `yaml:"heartbeat_interval_ms" json:"heartbeatIntervalMs"`
	HeartbeatFailureThreshold int         `yaml:"heartbeat_failure_threshold" json:"heartbeatFailureThreshold"`
	OfflineMode               OfflineMode `yaml:"offline_mode" json:"offlineMode"`
	AuditBatchSize            int         `yaml:"audit_batch_size" json:"auditBatchSize"`
	AuditFlushIntervalMs      int         `yaml:"audit_flush_interval_ms" json:"auditFlushIntervalMs"`
	MaxAuditBufferSize        int         `yaml:"max_audit_buffer_size" json:"maxAuditBufferSize"`
	OTLPEndpoint              string      `yaml:"otlp_endpoint" json:"otlpEndpoint"`
	OTLPEnabled               bool        `yaml:"otlp_enabled" json:"otlpEnabled"`
}

// HeartbeatInterval returns the heartbeat period as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// AuditFlushInterval returns the audit flush period as a time.Duration.
func (c *Config) AuditFlushInterval() time.Duration {
	return time.Duration(c.AuditFlushIntervalMs) * time.Millisecond
}

// Default returns production defaults per spec §6.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		ConfigRoot:                filepath.Join(home, ".openclaw", "clawforge"),
		HeartbeatIntervalMs:       30_000,
		HeartbeatFailureThreshold: 10,
		OfflineMode:               OfflineModeBlock,
		AuditBatchSize:            100,
		AuditFlushIntervalMs:      30_000,
		MaxAuditBufferSize:        10_000,
		OTLPEndpoint:              "localhost:4317",
		OTLPEnabled:               false,
	}
}

// Load builds configuration from defaults, an optional YAML profile file,
// then environment variable overrides (highest precedence).
func Load() (*Config, error) {
	cfg := Default()

	if root := os.Getenv("CLAWFORGE_CONFIG_ROOT"); root != "" {
		cfg.ConfigRoot = root
	}

	profilePath := filepath.Join(cfg.ConfigRoot, "config.yaml")
	if data, err := os.ReadFile(profilePath); err == nil {
		if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", profilePath, yerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading %s: %w", profilePath, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWFORGE_CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlaneURL = v
	}
	if v := os.Getenv("CLAWFORGE_ORG_ID"); v != "" {
		cfg.OrgID = v
	}
	if v := os.Getenv("CLAWFORGE_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("CLAWFORGE_HEARTBEAT_FAILURE_THRESHOLD"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.HeartbeatFailureThreshold = n
		}
	}
	if v := os.Getenv("CLAWFORGE_OFFLINE_MODE"); v != "" {
		cfg.OfflineMode = OfflineMode(v)
	}
	if v := os.Getenv("CLAWFORGE_AUDIT_BATCH_SIZE"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.AuditBatchSize = n
		}
	}
	if v := os.Getenv("CLAWFORGE_AUDIT_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.AuditFlushIntervalMs = n
		}
	}
	if v := os.Getenv("CLAWFORGE_MAX_AUDIT_BUFFER_SIZE"); v != "" {
		if n, err := parseNonNegativeInt(v); err == nil {
			cfg.MaxAuditBufferSize = n
		}
	}
	if v := os.Getenv("CLAWFORGE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("CLAWFORGE_OTLP_ENABLED"); v != "" {
		cfg.OTLPEnabled = v == "true" || v == "1"
	}
}

func parsePositiveInt(s string) (int, error) {
	n, err := parseNonNegativeInt(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: value must be positive, got %d", n)
	}
	return n, nil
}

func parseNonNegativeInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("config: value must be non-negative, got %d", n)
	}
	return n, nil
}
