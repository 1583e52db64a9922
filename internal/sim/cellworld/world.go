// Package cellworld is a small grid simulation that exposes the engine hook
// contract. It behaves like an interactively rendered engine: its native
// participant assignment and initial-data paths need a local renderer and fail
// headless, and its chat validation only works once post-load init has run.
package cellworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/protocol"
)

const (
	KindSetCell   = "SET_CELL"
	KindClearCell = "CLEAR_CELL"
	KindSay       = "SAY"

	maxChat = 64
)

var (
	ErrNoRenderer       = errors.New("cellworld: no local renderer")
	ErrFrameLoopStalled = errors.New("cellworld: frame loop required")
	ErrNotInitialized   = errors.New("cellworld: world not initialized")
	ErrOutOfBounds      = errors.New("cellworld: cell out of bounds")
	ErrUnknownKind      = errors.New("cellworld: unknown action kind")
)

type Config struct {
	Width  int
	Height int
	// StallPostLoadInit makes post-load init fail forever, the way it does
	// when the engine waits on a renderer that never comes up.
	StallPostLoadInit bool
	// FailAdvance, when set, is consulted before every tick.
	FailAdvance func(tick int64) error
}

type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type CellValue struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Value string `json:"value"`
}

type ChatLine struct {
	Tick   int64  `json:"tick"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

type state struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Cells  []CellValue `json:"cells"`
	Chat   []ChatLine  `json:"chat,omitempty"`
}

// World is the engine. All state is guarded by mu; hook bodies never call
// back into the table while holding it.
type World struct {
	cfg Config
	ops *engine.Table

	mu          sync.Mutex
	tick        int64
	cells       map[Cell]string
	chat        []ChatLine
	needsInit   bool
	initialized bool
	refreshes   int

	sinkMu    sync.RWMutex
	broadcast func(msg any)
}

func New(cfg Config) *World {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 64
	}
	w := &World{
		cfg:       cfg,
		ops:       engine.NewTable(engine.ContractVersion),
		cells:     map[Cell]string{},
		needsInit: true,
	}
	w.declare()
	return w
}

// Hooks exposes the engine contract.
func (w *World) Hooks() *engine.Table { return w.ops }

// SetBroadcaster wires the engine's network-facing notify sink.
func (w *World) SetBroadcaster(fn func(msg any)) {
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	w.broadcast = fn
}

// RunFrames is the engine's own per-frame callback loop. Every frame goes
// through the hook table, so an installed sim.frame_update override runs
// instead of the native body.
func (w *World) RunFrames(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			_, _ = w.ops.Call(engine.OpFrameUpdate, engine.FrameArgs{DeltaSeconds: dt})
		}
	}
}

func (w *World) declare() {
	w.ops.Declare(engine.OpFrameUpdate, w.frameUpdate)
	w.ops.Declare(engine.OpAdvanceTick, w.advanceTick)
	w.ops.Declare(engine.OpCurrentTick, func(any) (any, error) { return w.CurrentTick(), nil })
	w.ops.Declare(engine.OpSetTick, w.setTick)
	w.ops.Declare(engine.OpNeedsPostLoadInit, func(any) (any, error) { return w.NeedsPostLoadInit(), nil })
	w.ops.Declare(engine.OpPostLoadInit, w.postLoadInit)
	w.ops.Declare(engine.OpClearPostLoadInit, func(any) (any, error) {
		w.mu.Lock()
		w.needsInit = false
		w.mu.Unlock()
		return nil, nil
	})

	w.ops.Declare(engine.OpAssignParticipant, func(any) (any, error) { return nil, ErrNoRenderer })
	w.ops.Declare(engine.OpHandleInitialData, func(any) (any, error) { return nil, ErrFrameLoopStalled })

	w.ops.Declare(engine.OpProcessAction, w.processAction)
	w.ops.Declare(engine.OpSerialize, func(any) (any, error) { return w.serialize() })
	w.ops.Declare(engine.OpLoad, w.load)
	w.ops.Declare(engine.OpActionKinds, func(any) (any, error) { return ActionKinds(), nil })

	w.ops.Declare(engine.NotifyOp("set_cell"), w.notify)
	w.ops.Declare(engine.NotifyOp("clear_cell"), w.notify)
	w.ops.Declare(engine.NotifyOp("say"), w.notify)
}

// ActionKinds is the engine's action vocabulary.
func ActionKinds() []string { return []string{KindClearCell, KindSay, KindSetCell} }

// BroadcastTable maps each action kind to the notify-all hook point that
// announces it.
func BroadcastTable() map[string]engine.OperationID {
	return map[string]engine.OperationID{
		KindSetCell:   engine.NotifyOp("set_cell"),
		KindClearCell: engine.NotifyOp("clear_cell"),
		KindSay:       engine.NotifyOp("say"),
	}
}

func (w *World) CurrentTick() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

func (w *World) NeedsPostLoadInit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.needsInit
}

func (w *World) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

func (w *World) Refreshes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshes
}

// CellAt returns the value stored at (x, y).
func (w *World) CellAt(x, y int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.cells[Cell{X: x, Y: y}]
	return v, ok
}

func (w *World) Chat() []ChatLine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ChatLine(nil), w.chat...)
}

// frameUpdate is the native per-frame body: one tick per frame, no catch-up.
func (w *World) frameUpdate(any) (any, error) {
	return w.ops.Call(engine.OpAdvanceTick, engine.AdvanceArgs{Refresh: true})
}

func (w *World) advanceTick(args any) (any, error) {
	a, _ := args.(engine.AdvanceArgs)
	w.mu.Lock()
	next := w.tick + 1
	w.mu.Unlock()

	if w.cfg.FailAdvance != nil {
		if err := w.cfg.FailAdvance(next); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.tick = next
	if a.Refresh {
		w.refreshes++
		if len(w.chat) > maxChat {
			w.chat = append([]ChatLine(nil), w.chat[len(w.chat)-maxChat:]...)
		}
	}
	return w.tick, nil
}

func (w *World) setTick(args any) (any, error) {
	t, ok := args.(int64)
	if !ok {
		return nil, fmt.Errorf("set_tick: want int64, got %T", args)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tick = t
	return w.tick, nil
}

func (w *World) postLoadInit(any) (any, error) {
	if w.cfg.StallPostLoadInit {
		return nil, ErrNoRenderer
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.needsInit = false
	w.initialized = true
	return nil, nil
}

func (w *World) processAction(args any) (any, error) {
	a, ok := args.(engine.Action)
	if !ok {
		return nil, fmt.Errorf("process_action: want engine.Action, got %T", args)
	}
	switch a.Kind {
	case KindSetCell, KindClearCell:
		var cv CellValue
		if err := json.Unmarshal(a.Data, &cv); err != nil {
			return nil, fmt.Errorf("%s: %w", a.Kind, err)
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if cv.X < 0 || cv.Y < 0 || cv.X >= w.cfg.Width || cv.Y >= w.cfg.Height {
			return nil, ErrOutOfBounds
		}
		c := Cell{X: cv.X, Y: cv.Y}
		if a.Kind == KindClearCell {
			delete(w.cells, c)
			return nil, nil
		}
		w.cells[c] = cv.Value
		return nil, nil
	case KindSay:
		var line struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(a.Data, &line); err != nil {
			return nil, fmt.Errorf("%s: %w", a.Kind, err)
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.initialized {
			return nil, ErrNotInitialized
		}
		w.chat = append(w.chat, ChatLine{Tick: a.Tick, Author: a.ParticipantID, Text: line.Text})
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, a.Kind)
	}
}

func (w *World) notify(args any) (any, error) {
	a, ok := args.(engine.Action)
	if !ok {
		return nil, fmt.Errorf("notify: want engine.Action, got %T", args)
	}
	w.sinkMu.RLock()
	fn := w.broadcast
	w.sinkMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	fn(protocol.NotifyMsg{
		Type:            protocol.TypeNotify,
		ProtocolVersion: protocol.Version,
		Kind:            a.Kind,
		Tick:            a.Tick,
		ParticipantID:   a.ParticipantID,
		Data:            json.RawMessage(a.Data),
	})
	return nil, nil
}

func (w *World) serialize() (engine.SerializedWorld, error) {
	w.mu.Lock()
	st := state{Width: w.cfg.Width, Height: w.cfg.Height, Chat: append([]ChatLine(nil), w.chat...)}
	for c, v := range w.cells {
		st.Cells = append(st.Cells, CellValue{X: c.X, Y: c.Y, Value: v})
	}
	tick := w.tick
	w.mu.Unlock()

	sort.Slice(st.Cells, func(i, j int) bool {
		if st.Cells[i].Y != st.Cells[j].Y {
			return st.Cells[i].Y < st.Cells[j].Y
		}
		return st.Cells[i].X < st.Cells[j].X
	})
	b, err := json.Marshal(st)
	if err != nil {
		return engine.SerializedWorld{}, err
	}
	return engine.SerializedWorld{Tick: tick, State: b}, nil
}

// load replaces world state. The tick is left alone: the engine
// restores content, the host is responsible for catching the clock up.
func (w *World) load(args any) (any, error) {
	sw, ok := args.(engine.SerializedWorld)
	if !ok {
		return nil, fmt.Errorf("load: want engine.SerializedWorld, got %T", args)
	}
	var st state
	if err := json.Unmarshal(sw.State, &st); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	cells := make(map[Cell]string, len(st.Cells))
	for _, cv := range st.Cells {
		cells[Cell{X: cv.X, Y: cv.Y}] = cv.Value
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cells = cells
	w.chat = st.Chat
	w.needsInit = true
	w.initialized = false
	return nil, nil
}
