package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const samplePolicy = `# Rejects machines on the staging pool.
# Applies to every service.
package vdibroker.policies.pool

import rego.v1

deny contains violation if {
	input.name == "staging"
	violation := {
		"message": "staging pool is closed",
		"severity": "error",
		"service": input.service_id,
	}
}
`

func TestLoaderLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pool.rego"), []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	// Non-rego files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "pool" {
		t.Errorf("Expected policy name from file basename, got %s", p.Name)
	}
	if p.Description != "Rejects machines on the staging pool. Applies to every service." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if !p.Enabled || p.Severity != SeverityError {
		t.Errorf("Expected enabled error-severity policy, got %+v", p)
	}
}

func TestLoaderLoadFromPaths_SingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.rego")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "pool" {
		t.Errorf("Expected the pool policy, got %+v", policies)
	}
}

func TestLoaderLoadFromPaths_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Fatal("Expected an error for a missing path")
	}
}

func TestEngineLoadPolicies_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pool.rego"), []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	e := newTestEngine(t, ModeEnforcing)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	req := validRequest()
	req.Name = "staging"
	if err := e.Admit(context.Background(), req); err == nil {
		t.Error("Expected the loaded policy to reject")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"leading comments", "# one\n# two\npackage x\n", "one two"},
		{"no comments", "package x\n", ""},
		{"comment after package ignored", "package x\n# later\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
