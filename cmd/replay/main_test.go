package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/config"
	"headlesshost.io/internal/engine"
	plog "headlesshost.io/internal/persistence/log"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/sim/cellworld"
	"headlesshost.io/internal/transport/loopback"
)

func serialize(t *testing.T, w *cellworld.World) engine.SerializedWorld {
	t.Helper()
	out, err := w.Hooks().Call(engine.OpSerialize, nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return out.(engine.SerializedWorld)
}

func writeTicks(t *testing.T, dir string, entries ...plog.TickLogEntry) {
	t.Helper()
	l := plog.NewTickLogger(dir)
	for _, e := range entries {
		e.Time = time.Now().UTC()
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func setCell(who string, payload string, applied bool) plog.ActionRecord {
	return plog.ActionRecord{Kind: cellworld.KindSetCell, ParticipantID: who, Payload: payload, Mapped: true, Broadcast: true, Applied: applied}
}

func TestReplay_AppliesLoggedActionsFromSnapshotTick(t *testing.T) {
	dir := t.TempDir()
	start := cellworld.New(cellworld.Config{Width: 4, Height: 4})
	_, _ = start.Hooks().Call(engine.OpSetTick, int64(10))
	base := serialize(t, start)

	writeTicks(t, dir,
		plog.TickLogEntry{Tick: 9, Actions: []plog.ActionRecord{setCell("alice", `{"x":0,"y":0,"value":"old"}`, true)}},
		plog.TickLogEntry{Tick: 10, Actions: []plog.ActionRecord{setCell("alice", `{"x":1,"y":1,"value":"red"}`, true)}},
		plog.TickLogEntry{Tick: 12, Actions: []plog.ActionRecord{
			setCell("bob", `{"x":2,"y":2,"value":"blue"}`, true),
			setCell("bob", `{"x":3,"y":3,"value":"skip"}`, false),
			setCell("bob", `{"x":9,"y":9,"value":"oob"}`, true),
		}},
		plog.TickLogEntry{Tick: 20, Actions: []plog.ActionRecord{setCell("carol", `{"x":0,"y":3,"value":"late"}`, true)}},
	)

	got, res, err := replay(base, dir, 20)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Ticks != 2 || res.Applied != 2 || res.Failed != 1 || res.Tick != 20 || got.Tick != 20 {
		t.Fatalf("result=%+v tick=%d", res, got.Tick)
	}

	want := cellworld.New(cellworld.Config{Width: 4, Height: 4})
	for _, p := range []string{`{"x":1,"y":1,"value":"red"}`, `{"x":2,"y":2,"value":"blue"}`} {
		if _, err := want.Hooks().Call(engine.OpProcessAction, engine.Action{Kind: cellworld.KindSetCell, Data: []byte(p)}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if w := serialize(t, want); !bytes.Equal(got.State, w.State) {
		t.Fatalf("state=%s want %s", got.State, w.State)
	}
}

func TestReplay_WriteAndReadBack(t *testing.T) {
	w := cellworld.New(cellworld.Config{Width: 4, Height: 4})
	_, _ = w.Hooks().Call(engine.OpProcessAction, engine.Action{Kind: cellworld.KindSetCell, Data: []byte(`{"x":1,"y":2,"value":"v"}`)})
	_, _ = w.Hooks().Call(engine.OpSetTick, int64(7))
	sw := serialize(t, w)

	path := filepath.Join(t.TempDir(), "out.snap.zst")
	if err := writeWorld(path, "world_1", sw); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, hdr, err := readWorld(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if hdr.Tick != 7 || hdr.WorldID != "world_1" || back.Tick != 7 || !bytes.Equal(back.State, sw.State) {
		t.Fatalf("hdr=%+v back=%+v", hdr, back)
	}
}

func TestReplay_SaveBetweenPumpsDoesNotRepeatActions(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.AutoLoadSave = ""
	cfg.IndexBackend = "none"
	cfg.SnapshotEveryTicks = 0
	cfg.SnapshotKeep = 0
	worldDir := filepath.Join(cfg.DataDir, "worlds", cfg.WorldID)

	world := cellworld.New(cellworld.Config{Width: 8, Height: 8})
	if _, err := world.Hooks().Call(engine.OpPostLoadInit, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	tickLog := plog.NewTickLogger(worldDir)
	a, err := adapter.New(adapter.Options{
		Config:    cfg,
		Hooks:     world.Hooks(),
		Broadcast: cellworld.BroadcastTable(),
		Notify:    world,
		TickLog:   tickLog,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	defer a.Close()
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	pump := func(d time.Duration) {
		now = now.Add(d)
		if !a.Pump(now) {
			t.Fatalf("pump at %v did not run", now)
		}
	}
	say := func(c *loopback.Client, text string) {
		raw, _ := json.Marshal(map[string]string{"text": text})
		msg := protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Kind: cellworld.KindSay, Data: raw}
		if err := c.Send(msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	net := loopback.New(a.Hub(), 64)
	pump(0)
	alice, err := net.Dial("alice", "alice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pump(20 * time.Millisecond)

	// Saved after the action arrived but before a cycle advanced.
	say(alice, "one")
	pump(time.Millisecond)
	first, err := a.SaveSnapshot()
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	pump(20 * time.Millisecond)
	say(alice, "two")
	pump(time.Millisecond)
	pump(20 * time.Millisecond)
	second, err := a.SaveSnapshot()
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if err := tickLog.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	base, _, err := readWorld(first.Path)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	want, _, err := readWorld(second.Path)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	got, res, err := replay(base, worldDir, second.Tick)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != 2 || res.Failed != 0 {
		t.Fatalf("result=%+v want 2 applied", res)
	}
	if !bytes.Equal(got.State, want.State) {
		t.Fatalf("replayed state=%s\nsaved state=%s", got.State, want.State)
	}
}
