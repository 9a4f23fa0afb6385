// Package stores provides the persistence layer for the orchestration core:
// a scoped key/value store with an atomic whole-region accessor, backed by
// SQLite for the daemon and by an in-memory map for tests.
package stores
