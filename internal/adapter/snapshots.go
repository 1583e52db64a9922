package adapter

import (
	"fmt"
	"os"
	"strings"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/persistence/archive"
	"headlesshost.io/internal/persistence/indexdb"
	psnap "headlesshost.io/internal/persistence/snapshot"
	"headlesshost.io/internal/snapshot"
)

// SavedSnapshot describes one snapshot written to disk.
type SavedSnapshot struct {
	Tick   int64  `json:"tick"`
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Bytes  int    `json:"bytes"`
	Pruned int    `json:"pruned,omitempty"`
}

// fillCache loads the configured save, if any, and otherwise captures the
// running world. An unreadable save is logged and the world starts as the
// engine has it.
func (a *Adapter) fillCache(s *session) {
	if path := a.autoLoadPath(); path != "" {
		blob, err := a.loadFile(s, path)
		if err == nil {
			a.log.Printf("adapter: loaded %s (tick %d)", path, blob.Tick)
			return
		}
		a.log.Printf("adapter: load %s: %v; starting from the engine's current world", path, err)
	}
	blob, err := snapshot.Capture(a.reg)
	if err != nil {
		a.log.Printf("adapter: snapshot cache left empty: %v", err)
		return
	}
	s.cache.Replace(blob)
	s.lastSave.Store(blob.Tick)
}

func (a *Adapter) autoLoadPath() string {
	p := strings.TrimSpace(a.cfg.AutoLoadSave)
	switch {
	case p == "":
		return ""
	case strings.EqualFold(p, "latest"):
		if a.worldDir == "" {
			return ""
		}
		return psnap.Latest(a.worldDir)
	default:
		return p
	}
}

// loadFile reads, verifies, and loads a snapshot file into the engine, then
// arranges for the clock to catch up to its tick and caches its blob.
func (a *Adapter) loadFile(s *session, path string) (snapshot.Blob, error) {
	snap, err := psnap.ReadSnapshot(path)
	if err != nil {
		return snapshot.Blob{}, err
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != a.cfg.WorldID {
		return snapshot.Blob{}, fmt.Errorf("snapshot world id mismatch: config=%s snap=%s", a.cfg.WorldID, snap.Header.WorldID)
	}
	if err := psnap.Verify(snap, snapshot.Digest); err != nil {
		return snapshot.Blob{}, err
	}
	sw, err := snapshot.Decode(snap.Data)
	if err != nil {
		return snapshot.Blob{}, err
	}
	if _, err := a.reg.Invoke(engine.OpLoad, sw); err != nil {
		return snapshot.Blob{}, fmt.Errorf("engine load: %w", err)
	}
	s.clock.SetLoadedTick(sw.Tick)
	s.loadedTick.Store(sw.Tick)
	blob := snapshot.NewBlob(sw.Tick, snap.Data)
	s.cache.Replace(blob)
	s.lastSave.Store(sw.Tick)
	return blob, nil
}

// LoadSnapshot replaces the running world with the snapshot at path.
func (a *Adapter) LoadSnapshot(path string) (int64, error) {
	a.pumpMu.Lock()
	defer a.pumpMu.Unlock()
	s := a.current()
	if s == nil {
		return 0, ErrNotRunning
	}
	blob, err := a.loadFile(s, path)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}
	a.log.Printf("adapter: loaded %s (tick %d)", path, blob.Tick)
	return blob.Tick, nil
}

// maybeSave refreshes the cache every SnapshotEveryTicks and queues the
// blob for the background writer. Runs on the pump thread.
func (a *Adapter) maybeSave(s *session, tick int64) {
	every := int64(a.cfg.SnapshotEveryTicks)
	if every <= 0 || tick-s.lastSave.Load() < every {
		return
	}
	s.lastSave.Store(tick)
	blob, err := snapshot.Capture(a.reg)
	if err != nil {
		a.log.Printf("adapter: periodic capture at tick %d: %v", tick, err)
		return
	}
	s.cache.Replace(blob)
	if a.worldDir == "" || a.closed.Load() {
		return
	}
	select {
	case a.saves <- blob:
	default:
		a.saveDrops.Add(1)
		a.log.Printf("adapter: snapshot writer busy; skipped tick %d", blob.Tick)
	}
}

// SaveSnapshot captures the world now, refreshes the cache, and writes the
// file before returning.
func (a *Adapter) SaveSnapshot() (SavedSnapshot, error) {
	a.pumpMu.Lock()
	s := a.current()
	if s == nil {
		a.pumpMu.Unlock()
		return SavedSnapshot{}, ErrNotRunning
	}
	blob, err := snapshot.Capture(a.reg)
	if err == nil {
		s.cache.Replace(blob)
		s.lastSave.Store(blob.Tick)
	}
	a.pumpMu.Unlock()
	if err != nil {
		return SavedSnapshot{}, err
	}
	if a.worldDir == "" {
		return SavedSnapshot{Tick: blob.Tick, Digest: blob.Digest, Bytes: len(blob.Data)}, ErrNoDataDir
	}
	saved, err := a.writeBlob(blob)
	if err != nil {
		a.saveFails.Add(1)
	}
	return saved, err
}

// ArchiveSnapshot saves the world and copies the file into the archive,
// where pruning never reaches it. The session number is the start count.
func (a *Adapter) ArchiveSnapshot(reason string) (archive.Meta, error) {
	saved, err := a.SaveSnapshot()
	if err != nil {
		return archive.Meta{}, err
	}
	meta, dst, err := archive.Archive(a.worldDir, saved.Path, int(a.starts.Load()), reason)
	if err != nil {
		return archive.Meta{}, fmt.Errorf("archive tick %d: %w", saved.Tick, err)
	}
	if a.mirror != nil {
		a.mirror.Enqueue(dst)
	}
	a.log.Printf("adapter: archived tick %d (%s) to %s", meta.Tick, meta.Reason, dst)
	return meta, nil
}

func (a *Adapter) writeBlob(blob snapshot.Blob) (SavedSnapshot, error) {
	path := psnap.PathFor(a.worldDir, blob.Tick)
	savedAt := a.now().UTC()
	err := psnap.WriteSnapshot(path, psnap.FileV1{
		Header: psnap.Header{
			Version: psnap.FormatVersion,
			WorldID: a.cfg.WorldID,
			Tick:    blob.Tick,
			Digest:  blob.Digest,
			SavedAt: savedAt,
		},
		Data: blob.Data,
	})
	if err != nil {
		return SavedSnapshot{}, fmt.Errorf("write %s: %w", path, err)
	}
	a.saved.Add(1)
	out := SavedSnapshot{Tick: blob.Tick, Path: path, Digest: blob.Digest, Bytes: len(blob.Data)}
	if fi, err := os.Stat(path); err == nil {
		out.Bytes = int(fi.Size())
	}
	if a.index != nil {
		a.index.RecordSnapshot(indexdb.SnapshotRow{Tick: blob.Tick, Path: path, Digest: blob.Digest, Bytes: out.Bytes, SavedAt: savedAt})
	}
	if a.mirror != nil {
		a.mirror.Enqueue(path)
	}
	if a.cfg.SnapshotKeep > 0 {
		n, err := psnap.Prune(a.worldDir, a.cfg.SnapshotKeep)
		if err != nil {
			a.log.Printf("adapter: prune snapshots: %v", err)
		}
		out.Pruned = n
	}
	a.log.Printf("adapter: saved snapshot tick %d to %s", blob.Tick, path)
	return out, nil
}
