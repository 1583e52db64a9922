package main

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"headlesshost.io/internal/persistence/indexdb"
	plog "headlesshost.io/internal/persistence/log"
)

func seedIndex(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = idx.WriteTick(plog.TickLogEntry{Tick: 5, Actions: []plog.ActionRecord{
		{Kind: "SET_CELL", ParticipantID: "alice", EnqueueTick: 4, Mapped: true, Broadcast: true, Applied: true},
		{Kind: "SAY", ParticipantID: "bob", EnqueueTick: 4, Mapped: true, Broadcast: true, Applied: true},
	}})
	_ = idx.WriteAudit(plog.AuditEntry{Tick: 5, ParticipantID: "bob", Kind: "DANCE", Stage: plog.StageUnmapped, Reason: "no mapping"})
	idx.RecordSnapshot(indexdb.SnapshotRow{Tick: 4, Path: "4.snap.zst", Digest: "aa", Bytes: 10})
	idx.RecordSnapshot(indexdb.SnapshotRow{Tick: 8, Path: "8.snap.zst", Digest: "bb", Bytes: 12})
	idx.RecordSession(indexdb.SessionRow{ConnectionID: "c1", IdentityKey: "alice", Event: indexdb.SessionConnect, Tick: 1})
	idx.RecordSession(indexdb.SessionRow{ConnectionID: "c2", IdentityKey: "bob", Event: indexdb.SessionConnect, Tick: 2})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queryLines(t *testing.T, db *sql.DB, q dbQuery) []string {
	t.Helper()
	var out bytes.Buffer
	if err := runQuery(db, q, &out); err != nil {
		t.Fatalf("%s: %v", q.Name, err)
	}
	s := strings.TrimSpace(out.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestRunQuery_Tables(t *testing.T) {
	db := seedIndex(t)

	snaps := queryLines(t, db, dbQuery{Name: "snapshots"})
	if len(snaps) != 2 || !strings.Contains(snaps[0], `"tick":8`) {
		t.Fatalf("snapshots=%q", snaps)
	}
	if got := queryLines(t, db, dbQuery{Name: "snapshots", Limit: 1}); len(got) != 1 {
		t.Fatalf("limit ignored: %q", got)
	}
	acts := queryLines(t, db, dbQuery{Name: "actions", Tick: 5, Participant: "alice"})
	if len(acts) != 1 || !strings.Contains(acts[0], `"kind":"SET_CELL"`) {
		t.Fatalf("actions=%q", acts)
	}
	audits := queryLines(t, db, dbQuery{Name: "audits"})
	if len(audits) != 1 || !strings.Contains(audits[0], `"stage":"unmapped"`) {
		t.Fatalf("audits=%q", audits)
	}
	sessions := queryLines(t, db, dbQuery{Name: "sessions", Participant: "bob"})
	if len(sessions) != 1 || !strings.Contains(sessions[0], `"connection_id":"c2"`) {
		t.Fatalf("sessions=%q", sessions)
	}
	ticks := queryLines(t, db, dbQuery{Name: "ticks"})
	if len(ticks) != 1 || !strings.Contains(ticks[0], `"applied":2`) {
		t.Fatalf("ticks=%q", ticks)
	}
	if err := runQuery(db, dbQuery{Name: "agents"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown query error")
	}
}

func TestAdminRequest_Routes(t *testing.T) {
	cases := []struct {
		name   string
		params url.Values
		method string
		target string
	}{
		{"state", nil, http.MethodGet, "/admin/v1/state"},
		{"logs", url.Values{"n": {"5"}}, http.MethodGet, "/admin/v1/logs?n=5"},
		{"restart", nil, http.MethodPost, "/admin/v1/restart"},
		{"save", nil, http.MethodPost, "/admin/v1/snapshot"},
		{"load", url.Values{"tick": {"64"}}, http.MethodPost, "/admin/v1/snapshot/load?tick=64"},
	}
	for _, tc := range cases {
		req, err := adminRequest(tc.name, "http://127.0.0.1:8080/", tc.params)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if req.Method != tc.method || req.URL.RequestURI() != tc.target {
			t.Fatalf("%s: %s %s", tc.name, req.Method, req.URL.RequestURI())
		}
	}
	if _, err := adminRequest("rollback", "http://x", nil); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestDoAdmin_ReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin/v1/start" {
			rw.WriteHeader(http.StatusConflict)
			_, _ = rw.Write([]byte(`{"ok":false,"error":"already running"}`))
			return
		}
		_, _ = rw.Write([]byte(`{"ok":true,"state":"running"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	req, _ := adminRequest("state", srv.URL, nil)
	if err := doAdmin(srv.Client(), req, &out); err != nil || !strings.Contains(out.String(), `"running"`) {
		t.Fatalf("state: err=%v out=%q", err, out.String())
	}
	out.Reset()
	req, _ = adminRequest("start", srv.URL, nil)
	if err := doAdmin(srv.Client(), req, &out); err == nil || !strings.Contains(out.String(), "already running") {
		t.Fatalf("start: err=%v out=%q", err, out.String())
	}
}
