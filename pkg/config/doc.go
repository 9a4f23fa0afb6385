// Package config loads and validates the broker configuration from YAML.
// It supports defaults, struct-tag validation, and hot reload of the
// configuration file via fsnotify.
package config
