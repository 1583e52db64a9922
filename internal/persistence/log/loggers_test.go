package log

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTickLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	for tick := int64(1); tick <= 3; tick++ {
		err := l.WriteTick(TickLogEntry{
			Tick: tick,
			Time: time.Now().UTC(),
			Actions: []ActionRecord{
				{Kind: "SET_CELL", ParticipantID: "alice", EnqueueTick: tick - 1, Mapped: true, Broadcast: true, Applied: true},
			},
		})
		if err != nil {
			t.Fatalf("write %d: %v", tick, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []int64
	if err := ReadTicks(dir, func(e TickLogEntry) error {
		got = append(got, e.Tick)
		if len(e.Actions) != 1 || e.Actions[0].ParticipantID != "alice" {
			t.Fatalf("entry %d actions=%+v", e.Tick, e.Actions)
		}
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("ticks=%v", got)
	}
}

func TestAuditLoggerWritesStream(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	if err := l.WriteAudit(AuditEntry{Tick: 5, Kind: "SAY", Stage: StageApply, Reason: "not initialized"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := Files(dir, "audit")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	n := 0
	if err := ReadJSONL(files[0], func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1 {
		t.Fatalf("lines=%d want 1", n)
	}
	var got []AuditEntry
	if err := ReadAudits(dir, func(e AuditEntry) error { got = append(got, e); return nil }); err != nil {
		t.Fatalf("read audits: %v", err)
	}
	if len(got) != 1 || got[0].Stage != StageApply || got[0].Kind != "SAY" {
		t.Fatalf("audits=%+v", got)
	}
}

func TestStream_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC)
	w := NewStream(dir, "events", func() time.Time { return at })

	if err := w.Write(TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := w.Path()
	at = at.Add(2 * time.Minute)
	if err := w.Write(TickLogEntry{Tick: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.Path() == first || filepath.Base(w.Path()) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("path after rotation=%s (first %s)", w.Path(), first)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Path() != "" {
		t.Fatalf("path after close=%q", w.Path())
	}

	files, err := Files(dir, "events")
	if err != nil || len(files) != 2 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []int64
	if err := ReadTicks(dir, func(e TickLogEntry) error { got = append(got, e.Tick); return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("ticks=%v", got)
	}
}

func TestStream_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return at }
	for tick := int64(1); tick <= 2; tick++ {
		s := NewStream(dir, "events", clock)
		if err := s.Write(TickLogEntry{Tick: tick}); err != nil {
			t.Fatalf("write %d: %v", tick, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	var got []int64
	if err := ReadTicks(dir, func(e TickLogEntry) error { got = append(got, e.Tick); return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("ticks=%v", got)
	}
}
