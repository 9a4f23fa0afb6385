// Package deletion implements the deferred deletion reconciler: a background
// sweep that guarantees every machine that could not be deleted inline is
// eventually confirmed gone, without blocking callers and without hammering
// the hypervisor API.
package deletion

import (
	"encoding/json"
	"fmt"
	"time"
)

// Group names one of the four persisted buckets a deletion record moves
// through. A record lives in exactly one group at any time.
type Group string

const (
	// GroupToStop holds records whose machine must be stopped before the
	// delete request can be issued.
	GroupToStop Group = "deferred_to_stop"

	// GroupStopping holds records whose stop request was issued and is being
	// polled.
	GroupStopping Group = "deferred_stopping"

	// GroupToDelete holds records ready for the delete request.
	GroupToDelete Group = "deferred_to_delete"

	// GroupDeleting holds records whose delete request was issued and whose
	// disappearance is being polled.
	GroupDeleting Group = "deferred_deleting"
)

// sweepOrder is the fixed processing order of one reconciliation sweep. The
// order is load-bearing: a record promoted out of an upstream group during a
// sweep is eligible for its downstream group within the same sweep, so a
// machine that was already stopped can flow all the way to delete-confirmed
// in one tick.
var sweepOrder = [...]Group{GroupToStop, GroupStopping, GroupToDelete, GroupDeleting}

// Record tracks one pending deletion, keyed by the owning service and the
// remote machine identifier.
type Record struct {
	// ServiceID resolves the provider adapter for this machine.
	ServiceID string `json:"service_id"`

	// VMID is the provider-assigned machine identifier.
	VMID string `json:"vmid"`

	// Created is when the deletion was first requested.
	Created time.Time `json:"created"`

	// NextCheck gates processing: the record is only touched once the sweep
	// clock has reached it.
	NextCheck time.Time `json:"next_check"`

	// TotalRetries counts every failed or non-advancing attempt over the
	// record's lifetime. It never resets.
	TotalRetries int `json:"total_retries"`

	// FatalRetries counts fatal-classified failures. It never resets.
	FatalRetries int `json:"fatal_retries"`

	// Retries counts consecutive attempts in the current group. Moving to a
	// new group resets it to zero.
	Retries int `json:"retries"`
}

// Key is the storage key of the record: the service and machine identifiers
// concatenated, so one machine has at most one record per service.
func (r *Record) Key() string {
	return r.ServiceID + "|" + r.VMID
}

func (r *Record) encode() ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode deletion record: %w", err)
	}
	return &r, nil
}
