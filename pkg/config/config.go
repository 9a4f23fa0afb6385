package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openvdi/vdibroker/pkg/deletion"
	"github.com/openvdi/vdibroker/pkg/telemetry"
)

// Config is the top-level broker configuration.
type Config struct {
	// Storage configures entity and deletion state persistence.
	Storage StorageConfig `yaml:"storage"`

	// Scheduler configures the periodic lifecycle and deletion sweeps.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Deletion configures the deferred deletion reconciler.
	Deletion deletion.Config `yaml:"deletion"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// Policy configures deployment admission policies.
	Policy PolicyConfig `yaml:"policy"`

	// Services lists the backend services the broker manages machines on.
	Services []ServiceConfig `yaml:"services" validate:"dive"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	// Backend selects the storage implementation (sqlite, memory).
	Backend string `yaml:"backend" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file path. Ignored for memory.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// SchedulerConfig configures the periodic broker jobs.
type SchedulerConfig struct {
	// CheckInterval is how often in-flight deployments are polled.
	CheckInterval time.Duration `yaml:"check_interval" validate:"min=100ms"`

	// SweepInterval is how often the deletion reconciler runs.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=100ms"`

	// Jitter is the maximum random delay added to each tick.
	Jitter time.Duration `yaml:"jitter" validate:"min=0"`
}

// PolicyConfig configures admission policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is active.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory holding Rego policy files.
	Dir string `yaml:"dir" validate:"required_if=Enabled true"`

	// Mode is the enforcement mode (advisory logs violations, enforcing
	// rejects the deployment).
	Mode string `yaml:"mode" validate:"omitempty,oneof=advisory enforcing"`

	// Watch enables hot reload of policy files.
	Watch bool `yaml:"watch"`
}

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	// ID is the unique service identifier entities reference.
	ID string `yaml:"id" validate:"required"`

	// Type selects the adapter implementation (proxmox, mock).
	Type string `yaml:"type" validate:"required,oneof=proxmox mock"`

	// MustStopBeforeDeletion forces a stop phase before machine deletion.
	MustStopBeforeDeletion bool `yaml:"must_stop_before_deletion"`

	// TrySoftShutdown prefers a guest shutdown over a hard stop.
	TrySoftShutdown bool `yaml:"try_soft_shutdown"`

	// Proxmox holds connection details for proxmox services.
	Proxmox *ProxmoxConfig `yaml:"proxmox" validate:"required_if=Type proxmox"`
}

// ProxmoxConfig holds Proxmox VE API connection settings.
type ProxmoxConfig struct {
	// URL is the API endpoint, e.g. https://pve.example.com:8006/api2/json.
	URL string `yaml:"url" validate:"required,url"`

	// TokenID is the API token identifier (user@realm!tokenname).
	TokenID string `yaml:"token_id" validate:"required"`

	// Secret is the API token secret.
	Secret string `yaml:"secret" validate:"required"`

	// Node is the cluster node machines are created on.
	Node string `yaml:"node" validate:"required"`

	// Pool is an optional resource pool new machines join.
	Pool string `yaml:"pool"`

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns a configuration with sane development defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "vdibroker.db",
		},
		Scheduler: SchedulerConfig{
			CheckInterval: 5 * time.Second,
			SweepInterval: 30 * time.Second,
			Jitter:        500 * time.Millisecond,
		},
		Deletion:  deletion.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: false,
			Mode:    "enforcing",
		},
	}
}

// Load reads, decodes, and validates the configuration file at path.
// Missing fields fall back to DefaultConfig values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid config: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if seen[svc.ID] {
			return fmt.Errorf("invalid config: duplicate service id %q", svc.ID)
		}
		seen[svc.ID] = true
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func formatValidationErrors(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag())
	}
	return msg
}
