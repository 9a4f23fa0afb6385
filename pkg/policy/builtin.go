package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		machineNamingPolicy(),
		serviceQuotaPolicy(),
		cacheVariantPolicy(),
	}
}

// machineNamingPolicy enforces machine naming conventions.
func machineNamingPolicy() Policy {
	return Policy{
		Name:        "machine-naming",
		Description: "Enforces machine naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vdibroker.policies.naming

import rego.v1

deny contains violation if {
	not input.name
	violation := {
		"message": "Deployment must have a machine name",
		"severity": "error",
		"service": input.service_id,
	}
}

deny contains violation if {
	input.name == ""
	violation := {
		"message": "Deployment must have a machine name",
		"severity": "error",
		"service": input.service_id,
	}
}

deny contains violation if {
	name := input.name
	lower(name) != name
	violation := {
		"message": sprintf("Machine name '%s' must be lowercase", [name]),
		"severity": "error",
		"service": input.service_id,
	}
}

deny contains violation if {
	name := input.name
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"message": sprintf("Machine name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
		"service": input.service_id,
	}
}

deny contains violation if {
	name := input.name
	count(name) > 63
	violation := {
		"message": sprintf("Machine name '%s' must be at most 63 characters long", [name]),
		"severity": "error",
		"service": input.service_id,
	}
}
`,
	}
}

// serviceQuotaPolicy caps the number of live machines per service.
func serviceQuotaPolicy() Policy {
	return Policy{
		Name:        "service-quota",
		Description: "Caps the number of live machines per service",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"quota", "capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vdibroker.policies.quota

import rego.v1

default max_live := 256

deny contains violation if {
	input.live >= max_live
	violation := {
		"message": sprintf("Service '%s' already has %d live machines (limit %d)", [input.service_id, input.live, max_live]),
		"severity": "error",
		"service": input.service_id,
	}
}
`,
	}
}

// cacheVariantPolicy rejects cache deployments on fixed services, which
// borrow pre-existing machines and cannot hold spares.
func cacheVariantPolicy() Policy {
	return Policy{
		Name:        "cache-variant",
		Description: "Rejects cache deployments on fixed services",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cache", "variants"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vdibroker.policies.cache

import rego.v1

deny contains violation if {
	input.variant == "fixed"
	input.purpose != "deploy_for_user"
	violation := {
		"message": sprintf("Fixed service '%s' cannot hold cache deployments", [input.service_id]),
		"severity": "error",
		"service": input.service_id,
	}
}
`,
	}
}
