package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openvdi/vdibroker/pkg/lifecycle"
)

// Mode controls what happens when a deployment violates a policy.
type Mode string

const (
	// ModeAdvisory logs violations but admits the deployment.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing rejects violating deployments.
	ModeEnforcing Mode = "enforcing"
)

// Engine compiles and evaluates admission policies. It implements the
// lifecycle.AdmissionGate interface.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	mode     Mode
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger, mode Mode) (*Engine, error) {
	if mode == "" {
		mode = ModeEnforcing
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		mode:     mode,
	}

	builtin := GetBuiltinPolicies()
	for i := range builtin {
		if err := e.compileInto(e.policies, &builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(builtin)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit evaluates all policies against an admission request. In enforcing
// mode any blocking violation rejects the deployment; in advisory mode
// violations are logged and the deployment proceeds.
func (e *Engine) Admit(ctx context.Context, req lifecycle.AdmissionRequest) error {
	result, err := e.Evaluate(ctx, req)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	for i := range result.Warnings {
		e.logger.Warn().
			Str("policy", result.Warnings[i].Policy).
			Str("service", req.ServiceID).
			Msg(result.Warnings[i].Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i := range result.Violations {
		msgs[i] = result.Violations[i].Message
	}

	if e.mode == ModeAdvisory {
		e.logger.Warn().
			Str("service", req.ServiceID).
			Strs("violations", msgs).
			Msg("Deployment violates policy, admitted in advisory mode")
		return nil
	}

	return fmt.Errorf("policy violations: %s", strings.Join(msgs, "; "))
}

// Evaluate runs every enabled policy against an admission request.
func (e *Engine) Evaluate(ctx context.Context, req lifecycle.AdmissionRequest) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	var warnings []Violation

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		found, err := e.evaluatePolicy(ctx, cp, req)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("service", req.ServiceID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for i := range found {
			if found[i].Severity == SeverityError {
				violations = append(violations, found[i])
			} else {
				warnings = append(warnings, found[i])
			}
		}
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("service", req.ServiceID).
		Int("violations", len(violations)).
		Dur("duration", duration).
		Msg("Admission evaluation completed")

	return &Result{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
		Duration:    duration,
	}, nil
}

// LoadPolicies loads and compiles policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(policies)
}

// ReplacePolicies swaps in a new set of operator policies. Built-in policies
// are kept; an operator policy with the same name shadows the built-in one.
// The whole batch is compiled into a staging map first, so a broken policy
// leaves the previous working set in place.
func (e *Engine) ReplacePolicies(policies []Policy) error {
	fresh := make(map[string]*compiledPolicy)

	builtin := GetBuiltinPolicies()
	for i := range builtin {
		if err := e.compileInto(fresh, &builtin[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}
	for i := range policies {
		if err := e.compileInto(fresh, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	e.policies = fresh
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(fresh)).
		Msg("Policies loaded successfully")
	return nil
}

// evaluatePolicy runs a single compiled policy and collects its deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, req lifecycle.AdmissionRequest) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(req),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.createViolation(cp.policy, d, req))
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	lines := strings.Split(code, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "vdibroker.policies"
}

// createViolation converts one deny result into a Violation.
func (e *Engine) createViolation(policy *Policy, result interface{}, req lifecycle.AdmissionRequest) Violation {
	violation := Violation{
		Policy:    policy.Name,
		ServiceID: req.ServiceID,
		Severity:  policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if svc, ok := v["service"].(string); ok {
			violation.ServiceID = svc
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileInto compiles a policy and stores it in dest.
func (e *Engine) compileInto(dest map[string]*compiledPolicy, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	dest[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
