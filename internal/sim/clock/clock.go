// Package clock drives the engine's per-tick update at a fixed logical rate
// from externally triggered pump calls, instead of trusting the engine's own
// frame callback to run.
package clock

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/override"
	"headlesshost.io/internal/throttle"
)

const (
	DefaultRateHz      = 64
	DefaultStallCycles = 1000

	MinStep = time.Millisecond
	MaxStep = 500 * time.Millisecond

	frameHandlerID = "clock.frame_update"
)

// Registry is the subset of override.Registry the driver needs.
type Registry interface {
	Register(target engine.OperationID, h override.Handlers) error
	Invoke(target engine.OperationID, args any) (any, error)
	Has(target engine.OperationID) bool
}

// Drainer consumes pending actions, stamping them with tick.
type Drainer interface {
	Drain(tick int64) int
}

type Config struct {
	RateHz      int
	StallCycles int
	Logger      *log.Logger
}

// Driver is not safe for concurrent Pump calls; the adapter serializes them.
type Driver struct {
	reg    Registry
	queue  Drainer
	log    *log.Logger
	faults *throttle.Logger

	interval    time.Duration
	stallCycles int

	started    bool
	last       time.Time
	debt       time.Duration
	initCycles int

	tick       atomic.Int64
	loadedTick atomic.Int64
	catchUp    atomic.Bool

	pumps        atomic.Uint64
	advanced     atomic.Uint64
	tickFailures atomic.Uint64
	forcedInits  atomic.Uint64
	catchUps     atomic.Uint64
}

func New(reg Registry, queue Drainer, cfg Config) *Driver {
	if cfg.RateHz <= 0 {
		cfg.RateHz = DefaultRateHz
	}
	if cfg.StallCycles <= 0 {
		cfg.StallCycles = DefaultStallCycles
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Driver{
		reg:         reg,
		queue:       queue,
		log:         cfg.Logger,
		faults:      throttle.New(cfg.Logger, 5*time.Second),
		interval:    time.Second / time.Duration(cfg.RateHz),
		stallCycles: cfg.StallCycles,
	}
}

func (d *Driver) Interval() time.Duration { return d.interval }

// Tick is the authoritative tick mirrored by the driver.
func (d *Driver) Tick() int64 { return d.tick.Load() }

// SeizeUpdate replaces the engine's frame update so the engine's own loop no
// longer advances the simulation. Each native frame calls foreground instead,
// which lets the frame callback act as an extra pump source.
func (d *Driver) SeizeUpdate(foreground func()) error {
	return d.reg.Register(engine.OpFrameUpdate, override.Handlers{
		ID: frameHandlerID,
		Replace: func(any, engine.Operation) (any, error) {
			if foreground != nil {
				foreground()
			}
			return nil, nil
		},
	})
}

// SetLoadedTick records the tick of the most recently loaded snapshot. The
// next pump jumps the simulation forward to it if it is ahead.
func (d *Driver) SetLoadedTick(t int64) {
	d.loadedTick.Store(t)
	d.catchUp.Store(true)
}

// Result summarizes one pump cycle.
type Result struct {
	Ticks   int
	Drained int
	Tick    int64
}

// Pump runs one cycle at wall-clock time now.
func (d *Driver) Pump(now time.Time) Result {
	d.pumps.Add(1)

	if !d.started {
		d.started = true
		d.last = now
		d.activate()
	} else {
		d.debt += clampStep(now.Sub(d.last))
		d.last = now
	}
	if d.catchUp.Swap(false) {
		d.jumpTo(d.loadedTick.Load())
	}

	n := int(d.debt / d.interval)
	d.debt -= time.Duration(n) * d.interval

	// The queue drains only in a cycle that advances, stamped with the tick
	// about to run. Each tick gets at most one drain, and a world captured at
	// tick T holds exactly the actions drained at ticks below T.
	res := Result{}
	if n > 0 && d.queue != nil {
		res.Drained = d.queue.Drain(d.tick.Load())
	}
	for i := 0; i < n; i++ {
		d.advance(i == n-1)
	}
	res.Ticks = n
	res.Tick = d.tick.Load()

	d.checkStalledInit()
	return res
}

func clampStep(dt time.Duration) time.Duration {
	if dt < MinStep {
		return MinStep
	}
	if dt > MaxStep {
		return MaxStep
	}
	return dt
}

func (d *Driver) activate() {
	current, err := d.engineTick()
	if err != nil {
		d.log.Printf("clock: read engine tick: %v", err)
	}
	d.tick.Store(current)
	d.catchUp.Store(true)
}

func (d *Driver) jumpTo(target int64) {
	if target <= d.tick.Load() {
		return
	}
	if _, err := d.reg.Invoke(engine.OpSetTick, target); err != nil {
		d.log.Printf("clock: set engine tick to %d: %v", target, err)
	}
	d.log.Printf("clock: caught up from tick %d to snapshot tick %d", d.tick.Load(), target)
	d.tick.Store(target)
	d.catchUps.Add(1)
}

func (d *Driver) advance(refresh bool) {
	expected := d.tick.Load() + 1
	v, err := d.reg.Invoke(engine.OpAdvanceTick, engine.AdvanceArgs{Refresh: refresh})
	reported, ok := v.(int64)

	next := expected
	switch {
	case err != nil:
		d.tickFailures.Add(1)
		d.faults.Printf("clock: tick %d failed: %v", expected, err)
	case ok && reported > expected:
		next = reported
	}
	// A failed tick still counts; the engine is pushed past it.
	if err != nil || !ok || reported != next {
		if _, serr := d.reg.Invoke(engine.OpSetTick, next); serr != nil {
			d.faults.Printf("clock: force tick %d: %v", next, serr)
		}
	}
	d.tick.Store(next)
	d.advanced.Add(1)
}

func (d *Driver) engineTick() (int64, error) {
	v, err := d.reg.Invoke(engine.OpCurrentTick, nil)
	if err != nil {
		return 0, err
	}
	t, ok := v.(int64)
	if !ok {
		return 0, errors.New("clock: current tick is not int64")
	}
	return t, nil
}

func (d *Driver) needsInit() bool {
	if !d.reg.Has(engine.OpNeedsPostLoadInit) {
		return false
	}
	v, err := d.reg.Invoke(engine.OpNeedsPostLoadInit, nil)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// checkStalledInit forces post-load init once the engine has reported it
// pending for stallCycles consecutive pumps.
func (d *Driver) checkStalledInit() {
	if !d.needsInit() {
		d.initCycles = 0
		return
	}
	d.initCycles++
	if d.initCycles < d.stallCycles {
		return
	}
	d.initCycles = 0
	d.forcedInits.Add(1)
	d.log.Printf("clock: WARNING post-load init still pending after %d cycles; forcing", d.stallCycles)

	if _, err := d.reg.Invoke(engine.OpPostLoadInit, nil); err != nil {
		d.log.Printf("clock: forced post-load init failed: %v", err)
	}
	if !d.needsInit() {
		return
	}
	if _, err := d.reg.Invoke(engine.OpClearPostLoadInit, nil); err != nil {
		d.log.Printf("clock: clear post-load init flag: %v", err)
		return
	}
	d.log.Printf("clock: post-load init flag cleared without initialization")
}

type Stats struct {
	Tick          int64  `json:"tick"`
	Pumps         uint64 `json:"pumps"`
	TicksAdvanced uint64 `json:"ticks_advanced"`
	TickFailures  uint64 `json:"tick_failures"`
	ForcedInits   uint64 `json:"forced_inits"`
	CatchUps      uint64 `json:"catch_ups"`
}

func (d *Driver) Stats() Stats {
	return Stats{
		Tick:          d.tick.Load(),
		Pumps:         d.pumps.Load(),
		TicksAdvanced: d.advanced.Load(),
		TickFailures:  d.tickFailures.Load(),
		ForcedInits:   d.forcedInits.Load(),
		CatchUps:      d.catchUps.Load(),
	}
}
