package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
storage:
  backend: memory
scheduler:
  check_interval: 2s
  sweep_interval: 10s
services:
  - id: lab
    type: mock
  - id: pve1
    type: proxmox
    must_stop_before_deletion: true
    proxmox:
      url: https://pve.example.com:8006/api2/json
      token_id: broker@pve!lifecycle
      secret: super-secret
      node: pve-node-1
      pool: vdi
`

func TestParse_ValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Storage.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Scheduler.CheckInterval != 2*time.Second {
		t.Errorf("Expected 2s check interval, got %s", cfg.Scheduler.CheckInterval)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("Expected 2 services, got %d", len(cfg.Services))
	}
	if cfg.Services[1].Proxmox == nil || cfg.Services[1].Proxmox.Node != "pve-node-1" {
		t.Errorf("Proxmox settings not decoded: %+v", cfg.Services[1].Proxmox)
	}
}

func TestParse_DefaultsPreserved(t *testing.T) {
	cfg, err := Parse([]byte("storage:\n  backend: memory\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	def := DefaultConfig()
	if cfg.Scheduler.CheckInterval != def.Scheduler.CheckInterval {
		t.Errorf("Expected default check interval %s, got %s",
			def.Scheduler.CheckInterval, cfg.Scheduler.CheckInterval)
	}
	if cfg.Deletion.MaxTotalRetries != def.Deletion.MaxTotalRetries {
		t.Errorf("Expected default deletion retries %d, got %d",
			def.Deletion.MaxTotalRetries, cfg.Deletion.MaxTotalRetries)
	}
	if cfg.Telemetry == nil {
		t.Fatal("Expected default telemetry configuration")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown storage backend",
			yaml: "storage:\n  backend: etcd\n",
			want: "Backend",
		},
		{
			name: "sqlite without path",
			yaml: "storage:\n  backend: sqlite\n  path: \"\"\n",
			want: "Path",
		},
		{
			name: "check interval too small",
			yaml: "storage:\n  backend: memory\nscheduler:\n  check_interval: 10ms\n  sweep_interval: 10s\n",
			want: "CheckInterval",
		},
		{
			name: "service without type",
			yaml: "storage:\n  backend: memory\nservices:\n  - id: lab\n",
			want: "Type",
		},
		{
			name: "proxmox service without connection details",
			yaml: "storage:\n  backend: memory\nservices:\n  - id: pve1\n    type: proxmox\n",
			want: "Proxmox",
		},
		{
			name: "policy enabled without dir",
			yaml: "storage:\n  backend: memory\npolicy:\n  enabled: true\n  mode: enforcing\n",
			want: "Dir",
		},
		{
			name: "duplicate service ids",
			yaml: "storage:\n  backend: memory\nservices:\n  - id: lab\n    type: mock\n  - id: lab\n    type: mock\n",
			want: "duplicate service id",
		},
		{
			name: "malformed yaml",
			yaml: "storage: [",
			want: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vdibroker.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(cfg.Services) != 2 {
		t.Errorf("Expected 2 services, got %d", len(cfg.Services))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected the default configuration to validate, got: %v", err)
	}
}
