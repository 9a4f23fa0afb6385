package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openvdi/vdibroker/pkg/provider"
)

// Kind distinguishes the two things the engine drives: concrete user-facing
// machines and the template master copies they are cloned from.
type Kind string

const (
	KindUserService Kind = "user_service"
	KindPublication Kind = "publication"
)

// Variant selects which queue templates apply to an entity. Dynamic services
// own their machine and get the full create-to-delete lifecycle; fixed
// services borrow a pre-existing machine and only start/stop it around
// assignment.
type Variant string

const (
	VariantDynamic Variant = "dynamic"
	VariantFixed   Variant = "fixed"
)

// CacheLevel marks pre-provisioned spares. L1 spares are kept running, L2
// spares are created and then left suspended awaiting assignment.
type CacheLevel int

const (
	CacheNone CacheLevel = 0
	CacheL1   CacheLevel = 1
	CacheL2   CacheLevel = 2
)

// Purpose names the deployment reason handed to Seed.
type Purpose string

const (
	DeployForUser    Purpose = "deploy_for_user"
	DeployForCacheL1 Purpose = "deploy_for_cache_l1"
	DeployForCacheL2 Purpose = "deploy_for_cache_l2"
)

// Entity is one managed machine or publication. The queue is mutated only
// through the engine: its first element is the operation in flight (or about
// to start) and popping happens only when that operation's checker reports
// completion.
type Entity struct {
	// ID is the broker-side identity, assigned at creation.
	ID string

	// ServiceID names the owning service, which is also the adapter
	// registry key used to resolve the hypervisor back-end.
	ServiceID string

	// Kind is user_service or publication.
	Kind Kind

	// Variant is dynamic or fixed.
	Variant Variant

	// DisplayName is the operator-facing name.
	DisplayName string

	// RemoteID is the provider-assigned machine identifier. Empty until the
	// create step succeeds; fixed entities carry it from the start.
	RemoteID string

	// ErrorReason is set when the entity transitions to the error state.
	ErrorReason string

	// CacheLevel records which cache template seeded the queue, if any.
	CacheLevel CacheLevel

	// Spec is what the create handler passes to the adapter.
	Spec provider.CreateRequest

	// WaitUntil is the deadline armed by the wait operation's handler.
	WaitUntil time.Time

	queue []Op

	// fired records that the head operation's handler has already run, so a
	// poll after a restart resumes with the checker instead of re-issuing
	// the action.
	fired bool
}

// NewEntity creates an entity with a fresh identity and an empty queue.
func NewEntity(serviceID string, kind Kind, variant Variant, spec provider.CreateRequest) *Entity {
	return &Entity{
		ID:          uuid.New().String(),
		ServiceID:   serviceID,
		Kind:        kind,
		Variant:     variant,
		DisplayName: spec.Name,
		Spec:        spec,
	}
}

// Head returns the operation currently at the front of the queue.
func (e *Entity) Head() (Op, bool) {
	if len(e.queue) == 0 {
		return OpUnknown, false
	}
	return e.queue[0], true
}

// Queue returns a copy of the pending operations.
func (e *Entity) Queue() []Op {
	out := make([]Op, len(e.queue))
	copy(out, e.queue)
	return out
}

// QueueEmpty reports whether nothing is pending.
func (e *Entity) QueueEmpty() bool {
	return len(e.queue) == 0
}

func (e *Entity) pop() {
	if len(e.queue) > 0 {
		e.queue = e.queue[1:]
	}
	e.fired = false
}

func (e *Entity) setQueue(q []Op) {
	e.queue = q
	e.fired = false
}

// replaceTail keeps the in-flight head operation and replaces everything
// after it. On an empty queue the tail becomes the whole queue.
func (e *Entity) replaceTail(tail []Op) {
	if len(e.queue) == 0 {
		e.queue = tail
		e.fired = false
		return
	}
	e.queue = append([]Op{e.queue[0]}, tail...)
}

// wireEntity is the persisted form. The queue is stored as a plain integer
// array so historical blobs decode without reflection; unknown integers come
// back as OpUnknown.
type wireEntity struct {
	ID          string                 `json:"id"`
	ServiceID   string                 `json:"service_id"`
	Kind        Kind                   `json:"kind"`
	Variant     Variant                `json:"variant"`
	DisplayName string                 `json:"display_name"`
	RemoteID    string                 `json:"remote_id,omitempty"`
	ErrorReason string                 `json:"error_reason,omitempty"`
	CacheLevel  CacheLevel             `json:"cache_level"`
	Spec        provider.CreateRequest `json:"spec"`
	WaitUntil   *time.Time             `json:"wait_until,omitempty"`
	Queue       []int                  `json:"queue"`
	Fired       bool                   `json:"fired,omitempty"`
}

// Encode serializes the entity for the storage layer.
func (e *Entity) Encode() ([]byte, error) {
	w := wireEntity{
		ID:          e.ID,
		ServiceID:   e.ServiceID,
		Kind:        e.Kind,
		Variant:     e.Variant,
		DisplayName: e.DisplayName,
		RemoteID:    e.RemoteID,
		ErrorReason: e.ErrorReason,
		CacheLevel:  e.CacheLevel,
		Spec:        e.Spec,
		Queue:       queueToWire(e.queue),
		Fired:       e.fired,
	}
	if !e.WaitUntil.IsZero() {
		t := e.WaitUntil
		w.WaitUntil = &t
	}
	return json.Marshal(w)
}

// DecodeEntity restores an entity persisted by Encode.
func DecodeEntity(data []byte) (*Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	e := &Entity{
		ID:          w.ID,
		ServiceID:   w.ServiceID,
		Kind:        w.Kind,
		Variant:     w.Variant,
		DisplayName: w.DisplayName,
		RemoteID:    w.RemoteID,
		ErrorReason: w.ErrorReason,
		CacheLevel:  w.CacheLevel,
		Spec:        w.Spec,
		queue:       queueFromWire(w.Queue),
		fired:       w.Fired,
	}
	if w.WaitUntil != nil {
		e.WaitUntil = *w.WaitUntil
	}
	return e, nil
}
