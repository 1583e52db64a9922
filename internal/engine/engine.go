// Package engine defines the hook-point contract an opaque simulation engine
// exposes to the hosting adapter. Every named operation the adapter may call,
// observe, or replace is looked up through Hooks; nothing else in the adapter
// touches engine internals.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ContractVersion is bumped whenever a hook-point signature changes.
const ContractVersion = "1"

// OperationID names a hook point.
type OperationID string

// Standard hook points.
const (
	OpFrameUpdate       OperationID = "sim.frame_update"
	OpAdvanceTick       OperationID = "sim.advance_tick"
	OpCurrentTick       OperationID = "sim.current_tick"
	OpSetTick           OperationID = "sim.set_tick"
	OpNeedsPostLoadInit OperationID = "sim.needs_post_load_init"
	OpPostLoadInit      OperationID = "sim.post_load_init"
	OpClearPostLoadInit OperationID = "sim.clear_post_load_init"

	OpAssignParticipant OperationID = "net.assign_participant"
	OpHandleInitialData OperationID = "net.handle_initial_data"

	OpProcessAction OperationID = "world.process_action"
	OpSerialize     OperationID = "world.serialize"
	OpLoad          OperationID = "world.load"
	OpActionKinds   OperationID = "world.action_kinds"
)

// NotifyOp returns the conventional notify-all hook point for an action kind
// suffix, e.g. NotifyOp("set_cell") == "notify.set_cell".
func NotifyOp(name string) OperationID { return OperationID("notify." + name) }

// Operation is the body of a hook point. Arguments and results are the typed
// values documented next to each OperationID's consumer.
type Operation func(args any) (any, error)

var ErrUnknownOperation = errors.New("engine: unknown operation")

// Hooks is the engine side of the contract.
type Hooks interface {
	Version() string
	Lookup(id OperationID) (Operation, bool)
	// Install swaps the body of an existing hook point. Installing an id the
	// engine never declared fails with ErrUnknownOperation.
	Install(id OperationID, op Operation) error
}

// Argument and result payloads for the standard hook points.

// AdvanceArgs is passed to OpAdvanceTick. Refresh marks the last tick of a batch.
type AdvanceArgs struct {
	Refresh bool
}

// FrameArgs is passed to OpFrameUpdate by the engine's native loop.
type FrameArgs struct {
	DeltaSeconds float64
}

// AssignArgs is passed to OpAssignParticipant.
type AssignArgs struct {
	ConnectionID string
	IdentityKey  string
	Name         string
}

// InitialDataArgs is passed to OpHandleInitialData.
type InitialDataArgs struct {
	ConnectionID string
	IdentityKey  string
}

// Action is the payload of OpProcessAction and of every notify op.
type Action struct {
	Kind          string
	ParticipantID string
	Tick          int64
	Data          []byte
}

// SerializedWorld is returned by OpSerialize and passed to OpLoad.
type SerializedWorld struct {
	Tick  int64
	State []byte
}

// Table is a concurrency-safe hook table engines can embed.
type Table struct {
	version string

	mu  sync.RWMutex
	ops map[OperationID]Operation
}

func NewTable(version string) *Table {
	if version == "" {
		version = ContractVersion
	}
	return &Table{version: version, ops: map[OperationID]Operation{}}
}

func (t *Table) Version() string { return t.version }

// Declare registers the native body of a hook point.
func (t *Table) Declare(id OperationID, op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[id] = op
}

func (t *Table) Lookup(id OperationID) (Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	return op, ok
}

func (t *Table) Install(id OperationID, op Operation) error {
	if op == nil {
		return fmt.Errorf("install %s: nil operation", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ops[id]; !ok {
		return fmt.Errorf("install %s: %w", id, ErrUnknownOperation)
	}
	t.ops[id] = op
	return nil
}

// Call dispatches through the current body of id. Engines route their own
// internal calls through Call so installed overrides take effect.
func (t *Table) Call(id OperationID, args any) (any, error) {
	op, ok := t.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrUnknownOperation)
	}
	return op(args)
}

// IDs lists declared hook points in sorted order.
func (t *Table) IDs() []OperationID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OperationID, 0, len(t.ops))
	for id := range t.ops {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
