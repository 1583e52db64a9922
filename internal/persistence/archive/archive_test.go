package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	psnap "headlesshost.io/internal/persistence/snapshot"
)

func writeSnap(t *testing.T, worldDir string, tick int64) string {
	t.Helper()
	path := psnap.PathFor(worldDir, tick)
	err := psnap.WriteSnapshot(path, psnap.FileV1{
		Header: psnap.Header{Version: psnap.FormatVersion, WorldID: "w1", Tick: tick, Digest: "d", SavedAt: time.Now().UTC()},
		Data:   "payload",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestArchive_SurvivesPrune(t *testing.T) {
	worldDir := filepath.Join(t.TempDir(), "worlds", "w1")
	src := writeSnap(t, worldDir, 64)

	meta, dst, err := Archive(worldDir, src, 2, "shutdown")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if meta.Tick != 64 || meta.Session != 2 || meta.Reason != "shutdown" || meta.WorldID != "w1" {
		t.Fatalf("meta=%+v", meta)
	}

	writeSnap(t, worldDir, 128)
	if _, err := psnap.Prune(worldDir, 1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be pruned: %v", err)
	}
	snap, err := psnap.ReadSnapshot(dst)
	if err != nil || snap.Data != "payload" {
		t.Fatalf("archived copy: %+v %v", snap.Header, err)
	}
}

func TestList_OrdersByTick(t *testing.T) {
	worldDir := t.TempDir()
	for i, tick := range []int64{200, 50} {
		if _, _, err := Archive(worldDir, writeSnap(t, worldDir, tick), i+1, ""); err != nil {
			t.Fatalf("archive %d: %v", tick, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(Dir(worldDir), "stray"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := List(worldDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Tick != 50 || got[1].Tick != 200 || got[0].Reason != "manual" {
		t.Fatalf("list=%+v", got)
	}
}
