package cellworld

import (
	"errors"
	"testing"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/protocol"
)

func TestWorld_NativeHeadlessPathsFail(t *testing.T) {
	w := New(Config{})
	if _, err := w.Hooks().Call(engine.OpAssignParticipant, engine.AssignArgs{ConnectionID: "c1"}); !errors.Is(err, ErrNoRenderer) {
		t.Fatalf("assign err=%v want ErrNoRenderer", err)
	}
	if _, err := w.Hooks().Call(engine.OpHandleInitialData, engine.InitialDataArgs{ConnectionID: "c1"}); !errors.Is(err, ErrFrameLoopStalled) {
		t.Fatalf("initial data err=%v", err)
	}
}

func TestWorld_ProcessActionAndSayNeedsInit(t *testing.T) {
	w := New(Config{Width: 4, Height: 4})
	ops := w.Hooks()

	if _, err := ops.Call(engine.OpProcessAction, engine.Action{Kind: KindSetCell, Data: []byte(`{"x":1,"y":2,"value":"stone"}`)}); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	if v, ok := w.CellAt(1, 2); !ok || v != "stone" {
		t.Fatalf("cell=%q ok=%v", v, ok)
	}
	if _, err := ops.Call(engine.OpProcessAction, engine.Action{Kind: KindSetCell, Data: []byte(`{"x":9,"y":0,"value":"x"}`)}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err=%v want ErrOutOfBounds", err)
	}
	say := engine.Action{Kind: KindSay, ParticipantID: "p1", Data: []byte(`{"text":"hi"}`)}
	if _, err := ops.Call(engine.OpProcessAction, say); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("say before init err=%v", err)
	}
	if _, err := ops.Call(engine.OpPostLoadInit, nil); err != nil {
		t.Fatalf("post load init: %v", err)
	}
	if _, err := ops.Call(engine.OpProcessAction, say); err != nil {
		t.Fatalf("say after init: %v", err)
	}
	if chat := w.Chat(); len(chat) != 1 || chat[0].Text != "hi" {
		t.Fatalf("chat=%+v", chat)
	}
	if _, err := ops.Call(engine.OpProcessAction, engine.Action{Kind: "DANCE"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err=%v", err)
	}
}

func TestWorld_SerializeLoadKeepsTick(t *testing.T) {
	src := New(Config{})
	_, _ = src.Hooks().Call(engine.OpProcessAction, engine.Action{Kind: KindSetCell, Data: []byte(`{"x":3,"y":3,"value":"wood"}`)})
	_, _ = src.Hooks().Call(engine.OpSetTick, int64(500))
	v, err := src.Hooks().Call(engine.OpSerialize, nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	sw := v.(engine.SerializedWorld)
	if sw.Tick != 500 {
		t.Fatalf("tick=%d", sw.Tick)
	}

	dst := New(Config{})
	_, _ = dst.Hooks().Call(engine.OpPostLoadInit, nil)
	if _, err := dst.Hooks().Call(engine.OpLoad, sw); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, _ := dst.CellAt(3, 3); got != "wood" {
		t.Fatalf("cell=%q", got)
	}
	if dst.CurrentTick() != 0 {
		t.Fatalf("load must not move the tick, got %d", dst.CurrentTick())
	}
	if !dst.NeedsPostLoadInit() || dst.Initialized() {
		t.Fatalf("load must require post-load init")
	}
}

func TestWorld_NotifyUsesBroadcaster(t *testing.T) {
	w := New(Config{})
	var got []any
	w.SetBroadcaster(func(msg any) { got = append(got, msg) })
	_, err := w.Hooks().Call(engine.NotifyOp("say"), engine.Action{Kind: KindSay, Tick: 9, ParticipantID: "p1", Data: []byte(`{"text":"yo"}`)})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("broadcasts=%d", len(got))
	}
	n := got[0].(protocol.NotifyMsg)
	if n.Tick != 9 || n.Kind != KindSay || n.ParticipantID != "p1" {
		t.Fatalf("notify=%+v", n)
	}
}

func TestWorld_FrameUpdateAdvancesThroughTable(t *testing.T) {
	w := New(Config{})
	if _, err := w.Hooks().Call(engine.OpFrameUpdate, engine.FrameArgs{DeltaSeconds: 0.016}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if w.CurrentTick() != 1 || w.Refreshes() != 1 {
		t.Fatalf("tick=%d refreshes=%d", w.CurrentTick(), w.Refreshes())
	}
}
