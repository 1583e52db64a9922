// Package relay turns queued participant commands into a consistent outcome
// for everyone connected: each action is broadcast through the engine's
// notify-all operation first, then applied authoritatively on a best-effort
// basis. Neither step is retried.
package relay

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"headlesshost.io/internal/engine"
)

var ErrQueueFull = errors.New("relay: pending action queue full")

// Invoker calls engine operations through the override registry.
type Invoker interface {
	Invoke(target engine.OperationID, args any) (any, error)
}

// Outcome records what happened to one drained action.
type Outcome struct {
	Action       PendingAction `json:"action"`
	Mapped       bool          `json:"mapped"`
	Broadcast    bool          `json:"broadcast"`
	Applied      bool          `json:"applied"`
	BroadcastErr string        `json:"broadcast_error,omitempty"`
	ApplyErr     string        `json:"apply_error,omitempty"`
}

// Recorder receives the outcomes of one drain cycle.
type Recorder interface {
	RecordRelay(tick int64, outcomes []Outcome)
}

type Config struct {
	Table      Table
	TickSource func() int64
	Recorder   Recorder
	Logger     *log.Logger
}

type Relay struct {
	reg      Invoker
	queue    *Queue
	table    Table
	now      func() int64
	recorder Recorder
	log      *log.Logger

	warnMu sync.Mutex
	warned map[string]bool

	enqueued      atomic.Uint64
	rejected      atomic.Uint64
	relayed       atomic.Uint64
	broadcasts    atomic.Uint64
	broadcastErrs atomic.Uint64
	applied       atomic.Uint64
	applyErrs     atomic.Uint64
	unmapped      atomic.Uint64
}

func New(reg Invoker, queue *Queue, cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.TickSource == nil {
		cfg.TickSource = func() int64 { return 0 }
	}
	if cfg.Table == nil {
		cfg.Table = Table{}
	}
	return &Relay{
		reg:      reg,
		queue:    queue,
		table:    cfg.Table,
		now:      cfg.TickSource,
		recorder: cfg.Recorder,
		log:      cfg.Logger,
		warned:   map[string]bool{},
	}
}

func (r *Relay) Table() Table { return r.table }

// Enqueue wraps a command from participantID and appends it to the queue.
func (r *Relay) Enqueue(participantID, kind string, payload []byte) error {
	a := PendingAction{
		Kind:          kind,
		Payload:       append([]byte(nil), payload...),
		ParticipantID: participantID,
		EnqueueTick:   r.now(),
	}
	if !r.queue.Push(a) {
		r.rejected.Add(1)
		return ErrQueueFull
	}
	r.enqueued.Add(1)
	return nil
}

// Drain relays every queued action, stamping each with tick. It returns the
// number of actions taken off the queue.
func (r *Relay) Drain(tick int64) int {
	actions := r.queue.Drain()
	if len(actions) == 0 {
		return 0
	}
	outcomes := make([]Outcome, 0, len(actions))
	for _, a := range actions {
		a.Tick = tick
		outcomes = append(outcomes, r.relay(a))
	}
	if r.recorder != nil {
		r.recorder.RecordRelay(tick, outcomes)
	}
	return len(actions)
}

func (r *Relay) relay(a PendingAction) Outcome {
	r.relayed.Add(1)
	out := Outcome{Action: a}

	notifyOp, ok := r.table.Lookup(a.Kind)
	if !ok {
		r.unmapped.Add(1)
		r.warnUnmapped(a.Kind)
		return out
	}
	out.Mapped = true

	ev := engine.Action{Kind: a.Kind, ParticipantID: a.ParticipantID, Tick: a.Tick, Data: a.Payload}

	if _, err := r.reg.Invoke(notifyOp, ev); err != nil {
		r.broadcastErrs.Add(1)
		out.BroadcastErr = err.Error()
		r.log.Printf("relay: broadcast %s from %s at tick %d: %v", a.Kind, a.ParticipantID, a.Tick, err)
	} else {
		r.broadcasts.Add(1)
		out.Broadcast = true
	}

	if _, err := r.reg.Invoke(engine.OpProcessAction, ev); err != nil {
		r.applyErrs.Add(1)
		out.ApplyErr = err.Error()
		r.log.Printf("relay: apply %s from %s at tick %d failed (broadcast already sent): %v", a.Kind, a.ParticipantID, a.Tick, err)
	} else {
		r.applied.Add(1)
		out.Applied = true
	}
	return out
}

func (r *Relay) warnUnmapped(kind string) {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	if r.warned[kind] {
		return
	}
	r.warned[kind] = true
	r.log.Printf("relay: dropping unmapped action kind %q (further occurrences not logged)", kind)
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	Enqueued       uint64 `json:"enqueued"`
	Rejected       uint64 `json:"rejected"`
	Relayed        uint64 `json:"relayed"`
	Broadcasts     uint64 `json:"broadcasts"`
	BroadcastFails uint64 `json:"broadcast_failures"`
	Applied        uint64 `json:"applied"`
	ApplyFails     uint64 `json:"apply_failures"`
	Unmapped       uint64 `json:"unmapped"`
}

func (r *Relay) Stats() Stats {
	return Stats{
		QueueDepth:     r.queue.Len(),
		QueueCapacity:  r.queue.Capacity(),
		Enqueued:       r.enqueued.Load(),
		Rejected:       r.rejected.Load(),
		Relayed:        r.relayed.Load(),
		Broadcasts:     r.broadcasts.Load(),
		BroadcastFails: r.broadcastErrs.Load(),
		Applied:        r.applied.Load(),
		ApplyFails:     r.applyErrs.Load(),
		Unmapped:       r.unmapped.Load(),
	}
}
