// Package override redirects, observes, or replaces named engine hook points
// without touching the engine's own code. A target carries at most one active
// handler set; handlers return explicit results and the registry turns handler
// faults (returned errors and recovered panics) into logged outcomes.
package override

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"headlesshost.io/internal/engine"
)

var (
	ErrAlreadyRegistered = errors.New("override: target already has an active override")
	ErrTargetNotFound    = errors.New("override: target not found")
	ErrInvalidHandlers   = errors.New("override: invalid handler set")
	ErrHandlerFault      = errors.New("override: handler fault")
)

// Decision is returned by a before-handler. Skip short-circuits the original
// operation and Result becomes the call's value.
type Decision struct {
	Skip   bool
	Result any
}

// Result is the outcome of the original (or replacement) body as seen by an
// after-handler.
type Result struct {
	Value any
	Err   error
}

type (
	BeforeFunc  func(args any) (Decision, error)
	AfterFunc   func(args any, res Result) (Result, error)
	ReplaceFunc func(args any, original engine.Operation) (any, error)
)

// Handlers is one override set. ID identifies the set: registering a target
// again with the same ID is a no-op, a different ID is a conflict.
type Handlers struct {
	ID      string
	Before  BeforeFunc
	After   AfterFunc
	Replace ReplaceFunc
}

// FaultError describes a handler that returned an error or panicked.
type FaultError struct {
	Target engine.OperationID
	Stage  string
	Cause  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("override %s %s: %v", e.Target, e.Stage, e.Cause)
}
func (e *FaultError) Unwrap() error        { return e.Cause }
func (e *FaultError) Is(target error) bool { return target == ErrHandlerFault }

type entry struct {
	target   engine.OperationID
	original engine.Operation

	mu       sync.RWMutex
	handlers Handlers
	enabled  bool

	calls  atomic.Uint64
	skips  atomic.Uint64
	faults atomic.Uint64
	errs   atomic.Uint64
}

func (e *entry) current() (Handlers, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers, e.enabled
}

// Registry owns every override installed into one engine.
type Registry struct {
	hooks engine.Hooks
	log   *log.Logger

	mu      sync.Mutex
	entries map[engine.OperationID]*entry
}

func NewRegistry(hooks engine.Hooks, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		hooks:   hooks,
		log:     logger,
		entries: map[engine.OperationID]*entry{},
	}
}

// Register installs h on target. A missing target is reported with
// ErrTargetNotFound; callers treat it as a disabled feature, not a fatal error.
func (r *Registry) Register(target engine.OperationID, h Handlers) error {
	if h.ID == "" || (h.Before == nil && h.After == nil && h.Replace == nil) {
		return fmt.Errorf("register %s: %w", target, ErrInvalidHandlers)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[target]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.enabled {
			if e.handlers.ID == h.ID {
				return nil
			}
			return fmt.Errorf("register %s (%s, active %s): %w", target, h.ID, e.handlers.ID, ErrAlreadyRegistered)
		}
		e.handlers = h
		e.enabled = true
		return nil
	}

	original, ok := r.hooks.Lookup(target)
	if !ok || original == nil {
		r.log.Printf("override: target %s not found; feature %s disabled", target, h.ID)
		return fmt.Errorf("register %s: %w", target, ErrTargetNotFound)
	}

	e := &entry{target: target, original: original, handlers: h, enabled: true}
	if err := r.hooks.Install(target, func(args any) (any, error) { return r.dispatch(e, args) }); err != nil {
		if errors.Is(err, engine.ErrUnknownOperation) {
			return fmt.Errorf("register %s: %w", target, ErrTargetNotFound)
		}
		return fmt.Errorf("register %s: %w", target, err)
	}
	r.entries[target] = e
	return nil
}

// Disable deactivates the override on target; calls pass straight to the
// original body until the target is registered again.
func (r *Registry) Disable(target engine.OperationID) {
	r.mu.Lock()
	e, ok := r.entries[target]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
}

// Active reports whether target currently has an enabled override.
func (r *Registry) Active(target engine.OperationID) bool {
	r.mu.Lock()
	e, ok := r.entries[target]
	r.mu.Unlock()
	if !ok {
		return false
	}
	_, enabled := e.current()
	return enabled
}

// Has reports whether the engine declares target at all.
func (r *Registry) Has(target engine.OperationID) bool {
	op, ok := r.hooks.Lookup(target)
	return ok && op != nil
}

// Invoke calls target through whatever body is currently installed.
func (r *Registry) Invoke(target engine.OperationID, args any) (any, error) {
	op, ok := r.hooks.Lookup(target)
	if !ok || op == nil {
		return nil, fmt.Errorf("invoke %s: %w", target, ErrTargetNotFound)
	}
	return op(args)
}

// Original calls the engine's native body for target, bypassing any override.
func (r *Registry) Original(target engine.OperationID, args any) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[target]
	r.mu.Unlock()
	if ok {
		return e.original(args)
	}
	return r.Invoke(target, args)
}

func (r *Registry) dispatch(e *entry, args any) (value any, err error) {
	h, enabled := e.current()
	if !enabled {
		return e.original(args)
	}
	e.calls.Add(1)

	skipped := false
	if h.Before != nil {
		d, ferr := guardBefore(h.Before, args)
		if ferr != nil {
			r.fault(e, h.ID, "before", ferr)
		}
		if d.Skip {
			skipped = true
			value = d.Result
			e.skips.Add(1)
		}
	}

	if !skipped {
		if h.Replace != nil {
			value, err = guardReplace(h.Replace, args, e.original)
			var fe *FaultError
			if errors.As(err, &fe) {
				fe.Target = e.target
				r.fault(e, h.ID, "replace", fe.Cause)
			}
		} else {
			value, err = guardOriginal(e.original, args)
		}
		if err != nil {
			e.errs.Add(1)
		}
	}

	if h.After != nil {
		res, ferr := guardAfter(h.After, args, Result{Value: value, Err: err})
		if ferr != nil {
			r.fault(e, h.ID, "after", ferr)
			return value, err
		}
		value, err = res.Value, res.Err
	}
	return value, err
}

func (r *Registry) fault(e *entry, handlerID, stage string, cause error) {
	e.faults.Add(1)
	r.log.Printf("override: %s %s handler %q fault: %v", e.target, stage, handlerID, cause)
}

func guardBefore(fn BeforeFunc, args any) (d Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(args)
}

func guardAfter(fn AfterFunc, args any, res Result) (out Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(args, res)
}

func guardReplace(fn ReplaceFunc, args any, original engine.Operation) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &FaultError{Stage: "replace", Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return fn(args, original)
}

func guardOriginal(op engine.Operation, args any) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, fmt.Errorf("engine panic: %v", p)
		}
	}()
	return op(args)
}

// TargetStats is a point-in-time view of one override's counters.
type TargetStats struct {
	Target    engine.OperationID `json:"target"`
	HandlerID string             `json:"handler_id"`
	Enabled   bool               `json:"enabled"`
	Calls     uint64             `json:"calls"`
	Skips     uint64             `json:"skips"`
	Faults    uint64             `json:"faults"`
	Errors    uint64             `json:"errors"`
}

func (r *Registry) Stats() []TargetStats {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]TargetStats, 0, len(entries))
	for _, e := range entries {
		h, enabled := e.current()
		out = append(out, TargetStats{
			Target:    e.target,
			HandlerID: h.ID,
			Enabled:   enabled,
			Calls:     e.calls.Load(),
			Skips:     e.skips.Load(),
			Faults:    e.faults.Load(),
			Errors:    e.errs.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
