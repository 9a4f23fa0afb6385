// Package policy evaluates deployment admission policies written in Rego.
// Policies see the admission request (service, kind, variant, purpose, live
// count) as input and deny deployments by adding messages to a deny set.
// Built-in policies cover the common guard rails; operators add their own
// .rego files and reload them at runtime.
package policy
