package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/config"
	"headlesshost.io/internal/sim/cellworld"
)

func newTestAdmin(t *testing.T) (*http.ServeMux, *adapter.Adapter) {
	t.Helper()
	mux, a, _ := newTestAdminWithConfig(t, "")
	return mux, a
}

func newTestAdminWithConfig(t *testing.T, configPath string) (*http.ServeMux, *adapter.Adapter, *adapter.LogRing) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.AutoLoadSave = ""
	cfg.IndexBackend = "none"
	cfg.SnapshotEveryTicks = 0

	ring := adapter.NewLogRing(64)
	logger := log.New(ring, "[server] ", 0)
	world := cellworld.New(cellworld.Config{})
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
	t.Cleanup(func() { _ = a.Close() })

	mux := http.NewServeMux()
	(&adminAPI{a: a, logs: ring, log: logger, configPath: configPath}).register(mux)
	return mux, a, ring
}

func call(t *testing.T, mux *http.ServeMux, method, target string) (int, map[string]any) {
	t.Helper()
	return callBody(t, mux, method, target, "")
}

func callBody(t *testing.T, mux *http.ServeMux, method, target, payload string) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	mux, _ := newTestAdmin(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestAdmin_StartStopRestart(t *testing.T) {
	mux, a := newTestAdmin(t)

	if code, _ := call(t, mux, http.MethodGet, "/admin/v1/start"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start status=%d", code)
	}
	if code, body := call(t, mux, http.MethodPost, "/admin/v1/start"); code != http.StatusOK || body["state"] != "running" {
		t.Fatalf("start: %d %v", code, body)
	}
	if code, _ := call(t, mux, http.MethodPost, "/admin/v1/start"); code != http.StatusConflict {
		t.Fatalf("second start status=%d", code)
	}
	if code, _ := call(t, mux, http.MethodPost, "/admin/v1/restart"); code != http.StatusOK {
		t.Fatalf("restart status=%d", code)
	}
	if code, _ := call(t, mux, http.MethodPost, "/admin/v1/stop"); code != http.StatusOK {
		t.Fatalf("stop status=%d", code)
	}
	if a.State() != adapter.StateStopped {
		t.Fatalf("state=%s", a.State())
	}
	code, body := call(t, mux, http.MethodGet, "/admin/v1/state")
	if code != http.StatusOK || body["state"] != "stopped" || body["starts"].(float64) != 2 {
		t.Fatalf("state: %d %v", code, body)
	}
}

func TestAdmin_SaveListAndLoad(t *testing.T) {
	mux, a := newTestAdmin(t)
	if code, _ := call(t, mux, http.MethodPost, "/admin/v1/snapshot"); code != http.StatusServiceUnavailable {
		t.Fatalf("save while stopped status=%d", code)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	now := time.Now()
	a.Pump(now)
	a.Pump(now.Add(250 * time.Millisecond))

	code, body := call(t, mux, http.MethodPost, "/admin/v1/snapshot")
	if code != http.StatusOK {
		t.Fatalf("save: %d %v", code, body)
	}
	snap := body["snapshot"].(map[string]any)
	if snap["tick"].(float64) != 16 {
		t.Fatalf("saved=%v", snap)
	}

	code, body = call(t, mux, http.MethodGet, "/admin/v1/snapshots")
	if list, _ := body["snapshots"].([]any); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %v", code, body)
	}

	code, body = call(t, mux, http.MethodPost, "/admin/v1/snapshot/load?path=16.snap.zst")
	if code != http.StatusOK || body["tick"].(float64) != 16 {
		t.Fatalf("load: %d %v", code, body)
	}
	if code, _ := call(t, mux, http.MethodPost, "/admin/v1/snapshot/load?tick=999"); code != http.StatusUnprocessableEntity {
		t.Fatalf("load missing status=%d", code)
	}

	code, body = call(t, mux, http.MethodPost, "/admin/v1/snapshot?archive=checkpoint")
	if meta, _ := body["snapshot"].(map[string]any); code != http.StatusOK || meta["reason"] != "checkpoint" {
		t.Fatalf("archive: %d %v", code, body)
	}
	_, body = call(t, mux, http.MethodGet, "/admin/v1/snapshots")
	if list, _ := body["archives"].([]any); len(list) != 1 {
		t.Fatalf("archives=%v", body["archives"])
	}
}

func TestAdmin_LogsAndConfig(t *testing.T) {
	mux, a := newTestAdmin(t)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, body := call(t, mux, http.MethodGet, "/admin/v1/logs?n=5")
	lines, _ := body["lines"].([]any)
	if code != http.StatusOK || len(lines) == 0 {
		t.Fatalf("logs: %d %v", code, body)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l.(string), "[server] ") {
			t.Fatalf("line %q", l)
		}
	}

	code, body = call(t, mux, http.MethodGet, "/admin/v1/config")
	if code != http.StatusOK || body["world_id"] != "world_1" || body["tick_rate_hz"].(float64) != 64 {
		t.Fatalf("config: %d %v", code, body)
	}
	if _, leaked := body["index_http_token"]; leaked {
		t.Fatalf("secret in config output")
	}
}

func TestMetrics_Exposition(t *testing.T) {
	_, a := newTestAdmin(t)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := httptest.NewRecorder()
	metricsHandler(a, nil)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`headlesshost_running{world="world_1"} 1`,
		`headlesshost_tick{world="world_1"} 0`,
		`headlesshost_faults_total{world="world_1",kind="missing_target"} 0`,
		`headlesshost_relay_total{world="world_1",outcome="unmapped"} 0`,
		`# TYPE headlesshost_transfer_chunks_total counter`,
	} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestAdmin_ConfigWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	mux, _, _ := newTestAdminWithConfig(t, path)

	code, body := callBody(t, mux, http.MethodPost, "/admin/v1/config", `{"world_id":"arena","tick_rate_hz":32}`)
	if code != http.StatusOK || body["restart_required"] != true {
		t.Fatalf("write: %d %v", code, body)
	}
	got, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if got.WorldID != "arena" || got.TickRateHz != 32 || got.ChunkSize != config.Defaults().ChunkSize {
		t.Fatalf("saved config=%+v", got)
	}

	// A second write keeps what the first one set.
	if code, body := callBody(t, mux, http.MethodPost, "/admin/v1/config", `{"chunk_size":4096}`); code != http.StatusOK {
		t.Fatalf("second write: %d %v", code, body)
	}
	got, _ = config.LoadFile(path)
	if got.WorldID != "arena" || got.ChunkSize != 4096 {
		t.Fatalf("merged config=%+v", got)
	}

	if code, _ := callBody(t, mux, http.MethodPost, "/admin/v1/config", `{"tick_rate_hz":0}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid config status=%d", code)
	}
	if code, _ := callBody(t, mux, http.MethodPost, "/admin/v1/config", `{"mirror_secret_key":"x"}`); code != http.StatusBadRequest {
		t.Fatalf("secret field status=%d", code)
	}
	got, _ = config.LoadFile(path)
	if got.TickRateHz != 32 {
		t.Fatalf("rejected write changed the file: %+v", got)
	}

	if code, body := call(t, mux, http.MethodGet, "/admin/v1/config"); code != http.StatusOK || body["world_id"] != "world_1" {
		t.Fatalf("running config changed before restart: %d %v", code, body)
	}
}

func TestAdmin_ConfigWriteNeedsConfigFile(t *testing.T) {
	mux, _ := newTestAdmin(t)
	if code, _ := callBody(t, mux, http.MethodPost, "/admin/v1/config", `{"world_id":"arena"}`); code != http.StatusConflict {
		t.Fatalf("status=%d", code)
	}
	if code, _ := call(t, mux, http.MethodDelete, "/admin/v1/config"); code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE status=%d", code)
	}
}
