package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	FormatVersion = 1
	fileSuffix    = ".snap.zst"
)

var ErrDigestMismatch = errors.New("snapshot file: digest mismatch")

type Header struct {
	Version int       `json:"version"`
	WorldID string    `json:"world_id"`
	Tick    int64     `json:"tick"`
	Digest  string    `json:"digest"`
	SavedAt time.Time `json:"saved_at"`
}

// FileV1 is one saved world: the header plus the cache blob text it was
// produced from.
type FileV1 struct {
	Header Header
	Data   string
}

// Dir is the snapshot directory of a world.
func Dir(worldDir string) string { return filepath.Join(worldDir, "snapshots") }

// PathFor names the file for tick inside worldDir.
func PathFor(worldDir string, tick int64) string {
	return filepath.Join(Dir(worldDir), fmt.Sprintf("%d%s", tick, fileSuffix))
}

func WriteSnapshot(path string, snap FileV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Each writer gets its own temp file; the rename decides which one wins.
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	err = writeFile(f, snap)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(f *os.File, snap FileV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (FileV1, error) {
	var snap FileV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header; the JSON line is for humans and tools.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// Verify recomputes the body digest. The digest function comes from the
// caller so this package stays agnostic of the blob encoding.
func Verify(snap FileV1, digest func(string) string) error {
	if snap.Header.Digest == "" {
		return nil
	}
	if got := digest(snap.Data); got != snap.Header.Digest {
		return fmt.Errorf("%w: header %s body %s", ErrDigestMismatch, snap.Header.Digest, got)
	}
	return nil
}

// Latest returns the highest-tick snapshot under worldDir, or "".
func Latest(worldDir string) string {
	dir := Dir(worldDir)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick int64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tick, err := strconv.ParseInt(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

// Entry is one snapshot file found on disk.
type Entry struct {
	Tick    int64     `json:"tick"`
	Path    string    `json:"path"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the snapshots under worldDir, oldest first. A missing
// directory is an empty list.
func List(worldDir string) ([]Entry, error) {
	dir := Dir(worldDir)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tick, err := strconv.ParseInt(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		ent := Entry{Tick: tick, Path: filepath.Join(dir, name)}
		if fi, err := e.Info(); err == nil {
			ent.Bytes = fi.Size()
			ent.ModTime = fi.ModTime()
		}
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

// Prune keeps the newest keep snapshots and removes the rest.
func Prune(worldDir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	items, err := List(worldDir)
	if err != nil || len(items) <= keep {
		return 0, err
	}
	removed := 0
	for _, it := range items[:len(items)-keep] {
		if err := os.Remove(it.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
