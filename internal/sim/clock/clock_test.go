package clock

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/override"
	"headlesshost.io/internal/sim/cellworld"
)

type recordingDrainer struct {
	ticks []int64
}

func (r *recordingDrainer) Drain(tick int64) int {
	r.ticks = append(r.ticks, tick)
	return 0
}

func newDriver(t *testing.T, wcfg cellworld.Config, stall int) (*Driver, *cellworld.World, *recordingDrainer) {
	t.Helper()
	w := cellworld.New(wcfg)
	logger := log.New(io.Discard, "", 0)
	reg := override.NewRegistry(w.Hooks(), logger)
	q := &recordingDrainer{}
	d := New(reg, q, Config{RateHz: 64, StallCycles: stall, Logger: logger})
	return d, w, q
}

var t0 = time.Unix(1_700_000_000, 0)

func TestPump_AdvancesFloorOfAccumulatedTime(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 0)

	if res := d.Pump(t0); res.Ticks != 0 {
		t.Fatalf("first pump ticks=%d want 0", res.Ticks)
	}
	res := d.Pump(t0.Add(100 * time.Millisecond))
	if res.Ticks != 6 || res.Tick != 6 {
		t.Fatalf("after 100ms ticks=%d tick=%d want 6/6", res.Ticks, res.Tick)
	}
	res = d.Pump(t0.Add(110 * time.Millisecond))
	if res.Ticks != 1 || res.Tick != 7 {
		t.Fatalf("after 110ms ticks=%d tick=%d want 1/7", res.Ticks, res.Tick)
	}
	if w.CurrentTick() != 7 {
		t.Fatalf("engine tick=%d want 7", w.CurrentTick())
	}
}

func TestPump_TickNeverDecreases(t *testing.T) {
	d, _, _ := newDriver(t, cellworld.Config{}, 0)
	now := t0
	prev := int64(-1)
	steps := []time.Duration{0, 3 * time.Millisecond, 40 * time.Millisecond, 0, 15625 * time.Microsecond, 7 * time.Second, 2 * time.Millisecond}
	for _, s := range steps {
		now = now.Add(s)
		res := d.Pump(now)
		if res.Tick < prev {
			t.Fatalf("tick went backwards: %d -> %d", prev, res.Tick)
		}
		prev = res.Tick
	}
}

func TestPump_ClampsStepBounds(t *testing.T) {
	d, _, _ := newDriver(t, cellworld.Config{}, 0)
	d.Pump(t0)
	if res := d.Pump(t0.Add(10 * time.Second)); res.Ticks != 32 {
		t.Fatalf("stall catch-up ticks=%d want 32 (500ms cap)", res.Ticks)
	}

	d2, _, _ := newDriver(t, cellworld.Config{}, 0)
	d2.Pump(t0)
	total := 0
	for i := 0; i < 16; i++ {
		total += d2.Pump(t0).Ticks
	}
	if total != 1 {
		t.Fatalf("16 zero-length pumps advanced %d ticks, want 1 (1ms floor)", total)
	}
}

func TestPump_CatchesUpToLoadedSnapshotTick(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 0)
	d.SetLoadedTick(1000)

	if res := d.Pump(t0); res.Tick != 1000 {
		t.Fatalf("first pump tick=%d want 1000", res.Tick)
	}
	if w.CurrentTick() != 1000 {
		t.Fatalf("engine tick=%d want 1000", w.CurrentTick())
	}
	if res := d.Pump(t0.Add(d.Interval())); res.Tick != 1001 {
		t.Fatalf("tick=%d want 1001", res.Tick)
	}
	if d.Stats().CatchUps != 1 {
		t.Fatalf("catch ups=%d", d.Stats().CatchUps)
	}
}

func TestPump_IgnoresOlderSnapshotTick(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 0)
	_, _ = w.Hooks().Call(engine.OpSetTick, int64(50))
	d.SetLoadedTick(10)
	if res := d.Pump(t0); res.Tick != 50 {
		t.Fatalf("tick=%d want 50", res.Tick)
	}

	d.SetLoadedTick(20)
	if res := d.Pump(t0.Add(time.Millisecond)); res.Tick != 50 {
		t.Fatalf("reload with older tick moved clock: %d", res.Tick)
	}
}

func TestPump_DrainsBeforeAdvancing(t *testing.T) {
	d, _, q := newDriver(t, cellworld.Config{}, 0)
	d.Pump(t0)
	d.Pump(t0.Add(100 * time.Millisecond))
	if len(q.ticks) != 1 {
		t.Fatalf("drains=%d want 1", len(q.ticks))
	}
	if q.ticks[0] != 0 {
		t.Fatalf("drain stamped tick %d, want 0 (before this cycle's ticks)", q.ticks[0])
	}
}

func TestPump_DrainsOncePerTick(t *testing.T) {
	d, _, q := newDriver(t, cellworld.Config{}, 0)
	d.Pump(t0)
	at := t0
	for i := 0; i < 12; i++ {
		at = at.Add(5 * time.Millisecond)
		d.Pump(at)
	}
	if len(q.ticks) != 3 {
		t.Fatalf("drains=%v want 3 (one per advanced tick)", q.ticks)
	}
	for i := 1; i < len(q.ticks); i++ {
		if q.ticks[i] <= q.ticks[i-1] {
			t.Fatalf("drain ticks %v repeat a tick", q.ticks)
		}
	}
}

func TestPump_MarksOnlyLastTickOfBatchAsRefresh(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 0)
	d.Pump(t0)
	d.Pump(t0.Add(100 * time.Millisecond))
	if w.Refreshes() != 1 {
		t.Fatalf("refreshes=%d want 1 for a 6-tick batch", w.Refreshes())
	}
}

func TestPump_FailedTickStillAdvances(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{FailAdvance: func(tick int64) error {
		if tick == 3 {
			return errors.New("physics exploded")
		}
		return nil
	}}, 0)
	d.Pump(t0)
	res := d.Pump(t0.Add(5 * d.Interval()))
	if res.Tick != 5 || w.CurrentTick() != 5 {
		t.Fatalf("driver tick=%d engine tick=%d want 5", res.Tick, w.CurrentTick())
	}
	if d.Stats().TickFailures != 1 {
		t.Fatalf("failures=%d want 1", d.Stats().TickFailures)
	}
}

func TestPump_ForcesStalledPostLoadInit(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 3)
	for i := 0; i < 2; i++ {
		d.Pump(t0)
	}
	if !w.NeedsPostLoadInit() {
		t.Fatalf("init forced too early")
	}
	d.Pump(t0)
	if w.NeedsPostLoadInit() || !w.Initialized() {
		t.Fatalf("expected forced init to run: needs=%v init=%v", w.NeedsPostLoadInit(), w.Initialized())
	}
	if d.Stats().ForcedInits != 1 {
		t.Fatalf("forced inits=%d", d.Stats().ForcedInits)
	}
}

func TestPump_ClearsFlagWhenForcedInitFails(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{StallPostLoadInit: true}, 2)
	d.Pump(t0)
	d.Pump(t0)
	if w.NeedsPostLoadInit() {
		t.Fatalf("flag should be forced false")
	}
	if w.Initialized() {
		t.Fatalf("stalled engine cannot be initialized")
	}
}

func TestSeizeUpdate_FrameCallbackNoLongerTicks(t *testing.T) {
	d, w, _ := newDriver(t, cellworld.Config{}, 0)
	frames := 0
	if err := d.SeizeUpdate(func() { frames++ }); err != nil {
		t.Fatalf("seize: %v", err)
	}
	if err := d.SeizeUpdate(func() { frames++ }); err != nil {
		t.Fatalf("re-seize must be idempotent: %v", err)
	}
	_, _ = w.Hooks().Call(engine.OpFrameUpdate, engine.FrameArgs{DeltaSeconds: 0.016})
	if w.CurrentTick() != 0 {
		t.Fatalf("native frame advanced the tick to %d", w.CurrentTick())
	}
	if frames != 1 {
		t.Fatalf("foreground calls=%d want 1", frames)
	}
}
