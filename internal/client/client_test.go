package client_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/client"
	"headlesshost.io/internal/config"
	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/sim/cellworld"
	"headlesshost.io/internal/transport/ws"
)

func startServer(t *testing.T) (string, *cellworld.World) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.AutoLoadSave = ""
	cfg.IndexBackend = "none"
	cfg.SnapshotEveryTicks = 0
	cfg.ChunkSize = 8

	logger := log.New(io.Discard, "", 0)
	world := cellworld.New(cellworld.Config{Width: 8, Height: 8})
	_, _ = world.Hooks().Call(engine.OpProcessAction, engine.Action{Kind: cellworld.KindSetCell, Data: []byte(`{"x":7,"y":7,"value":"gold"}`)})

	a, err := adapter.New(adapter.Options{
		Config:    cfg,
		Hooks:     world.Hooks(),
		Broadcast: cellworld.BroadcastTable(),
		Notify:    world,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	srv := httptest.NewServer(ws.NewServer(a.Hub(), v, logger).Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = a.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), world
}

func dial(t *testing.T, url, key string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{URL: url, IdentityKey: key, Name: key, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("dial %s: %v", key, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_JoinFetchAndAct(t *testing.T) {
	url, world := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dial(t, url, "alice")
	if w := alice.Welcome(); w.ConnectionID == "" || w.ChunkSize != 8 {
		t.Fatalf("welcome=%+v", w)
	}
	if _, err := alice.WaitTick(ctx); err != nil {
		t.Fatalf("wait tick: %v", err)
	}

	sw, err := alice.RequestWorld(ctx)
	if err != nil {
		t.Fatalf("request world: %v", err)
	}
	replica := cellworld.New(cellworld.Config{})
	if _, err := replica.Hooks().Call(engine.OpLoad, sw); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, ok := replica.CellAt(7, 7); !ok || v != "gold" {
		t.Fatalf("replica cell=%q ok=%v", v, ok)
	}

	bob := dial(t, url, "bob")
	if _, err := bob.WaitTick(ctx); err != nil {
		t.Fatalf("bob tick: %v", err)
	}
	if err := alice.Act(cellworld.KindSetCell, map[string]any{"x": 1, "y": 1, "value": "red"}); err != nil {
		t.Fatalf("act: %v", err)
	}
	select {
	case n := <-bob.Notifies():
		if n.Kind != cellworld.KindSetCell || n.ParticipantID != "alice" {
			t.Fatalf("notify=%+v", n)
		}
	case <-ctx.Done():
		t.Fatalf("bob never saw the broadcast")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := world.CellAt(1, 1); ok && v == "red" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("action never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_DuplicateIdentityRejected(t *testing.T) {
	url, _ := startServer(t)
	dial(t, url, "carol")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, client.Config{URL: url, IdentityKey: "carol", Logger: log.New(io.Discard, "", 0)})
	var rej *client.RejectedError
	if !errors.As(err, &rej) || rej.Code != protocol.ErrDuplicateIdentity {
		t.Fatalf("err=%v", err)
	}
}
