package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openvdi/vdibroker/pkg/lifecycle"
)

func validRequest() lifecycle.AdmissionRequest {
	return lifecycle.AdmissionRequest{
		ServiceID: "svc1",
		Kind:      lifecycle.KindUserService,
		Variant:   lifecycle.VariantDynamic,
		Purpose:   lifecycle.DeployForUser,
		Name:      "desk-1",
		Live:      3,
	}
}

func newTestEngine(t *testing.T, mode Mode) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop(), mode)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return e
}

func TestEngineAdmit_ValidRequest(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	if err := e.Admit(context.Background(), validRequest()); err != nil {
		t.Errorf("Expected admission, got: %v", err)
	}
}

func TestEngineAdmit_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*lifecycle.AdmissionRequest)
		want   string
	}{
		{
			name:   "missing name",
			mutate: func(r *lifecycle.AdmissionRequest) { r.Name = "" },
			want:   "must have a machine name",
		},
		{
			name:   "uppercase name",
			mutate: func(r *lifecycle.AdmissionRequest) { r.Name = "Desk-1" },
			want:   "must be lowercase",
		},
		{
			name:   "invalid characters",
			mutate: func(r *lifecycle.AdmissionRequest) { r.Name = "desk_1!" },
			want:   "lowercase letters, numbers, and hyphens",
		},
		{
			name:   "name too long",
			mutate: func(r *lifecycle.AdmissionRequest) { r.Name = strings.Repeat("a", 64) },
			want:   "at most 63 characters",
		},
		{
			name:   "quota exhausted",
			mutate: func(r *lifecycle.AdmissionRequest) { r.Live = 256 },
			want:   "live machines",
		},
		{
			name: "cache on fixed service",
			mutate: func(r *lifecycle.AdmissionRequest) {
				r.Variant = lifecycle.VariantFixed
				r.Purpose = lifecycle.DeployForCacheL1
			},
			want: "cannot hold cache deployments",
		},
	}

	e := newTestEngine(t, ModeEnforcing)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := e.Admit(context.Background(), req)
			if err == nil {
				t.Fatal("Expected rejection")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestEngineAdmit_AdvisoryModeAdmitsViolations(t *testing.T) {
	e := newTestEngine(t, ModeAdvisory)

	req := validRequest()
	req.Name = "Desk-1"
	if err := e.Admit(context.Background(), req); err != nil {
		t.Errorf("Expected advisory mode to admit, got: %v", err)
	}
}

func TestEngineEvaluate_ReportsAllViolations(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	req := validRequest()
	req.Name = "Desk_1"
	req.Live = 300

	result, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("Expected the request to be disallowed")
	}
	// Uppercase, bad characters, and quota all fire.
	if len(result.Violations) < 3 {
		t.Errorf("Expected at least 3 violations, got %d: %+v", len(result.Violations), result.Violations)
	}
}

func TestEngineReplacePolicies_OperatorPolicyApplies(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	err := e.ReplacePolicies([]Policy{{
		Name:     "no-test-machines",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package vdibroker.policies.operator

import rego.v1

deny contains violation if {
	startswith(input.name, "test-")
	violation := {
		"message": "Machine names must not start with 'test-'",
		"severity": "error",
		"service": input.service_id,
	}
}
`,
	}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	req := validRequest()
	req.Name = "test-box"
	err = e.Admit(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "must not start with 'test-'") {
		t.Errorf("Expected the operator policy to reject, got: %v", err)
	}

	// Built-ins survive the swap.
	req = validRequest()
	req.Name = "Desk-1"
	if err := e.Admit(context.Background(), req); err == nil {
		t.Error("Expected built-in naming policy to remain active")
	}
}

func TestEngineReplacePolicies_RejectsBrokenRego(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	err := e.ReplacePolicies([]Policy{{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\ndeny {",
	}})
	if err == nil {
		t.Fatal("Expected a compile error")
	}
}

func TestEngineReplacePolicies_BrokenBatchKeepsWorkingSet(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	operator := Policy{
		Name:     "no-test-machines",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package vdibroker.policies.operator

import rego.v1

deny contains violation if {
	startswith(input.name, "test-")
	violation := {
		"message": "Machine names must not start with 'test-'",
		"severity": "error",
		"service": input.service_id,
	}
}
`,
	}
	if err := e.ReplacePolicies([]Policy{operator}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := e.ReplacePolicies([]Policy{
		{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny {"},
	})
	if err == nil {
		t.Fatal("Expected a compile error")
	}

	// The failed batch must not have touched the live set.
	if _, err := e.GetPolicy("no-test-machines"); err != nil {
		t.Errorf("Expected the previous operator policy to survive, got: %v", err)
	}
	if _, err := e.GetPolicy("broken"); err == nil {
		t.Error("Expected no policy from the failed batch to be live")
	}
	req := validRequest()
	req.Name = "test-box"
	if err := e.Admit(context.Background(), req); err == nil {
		t.Error("Expected the previous operator policy to keep rejecting")
	}
}

func TestEngineDisablePolicy(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	if err := e.DisablePolicy("machine-naming"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	req := validRequest()
	req.Name = "Desk-1"
	if err := e.Admit(context.Background(), req); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got: %v", err)
	}

	if err := e.EnablePolicy("machine-naming"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := e.Admit(context.Background(), req); err == nil {
		t.Error("Expected re-enabled policy to reject again")
	}
}

func TestEngineGetPolicy(t *testing.T) {
	e := newTestEngine(t, ModeEnforcing)

	p, err := e.GetPolicy("service-quota")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.Name != "service-quota" {
		t.Errorf("Expected service-quota, got %s", p.Name)
	}

	if _, err := e.GetPolicy("absent"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		rego string
		want string
	}{
		{"package vdibroker.policies.naming\n\ndeny contains x if { true }", "vdibroker.policies.naming"},
		{"# comment\npackage a.b\n", "a.b"},
		{"no package here", "vdibroker.policies"},
	}
	for _, tt := range tests {
		if got := extractPackageName(tt.rego); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
