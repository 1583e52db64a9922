// Package archive keeps snapshots that must outlive pruning, such as the
// one written at shutdown, under <worldDir>/archives/.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	psnap "headlesshost.io/internal/persistence/snapshot"
)

type Meta struct {
	Session   int       `json:"session"`
	Reason    string    `json:"reason"`
	WorldID   string    `json:"world_id"`
	Tick      int64     `json:"tick"`
	Digest    string    `json:"digest"`
	Snapshot  string    `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
}

func Dir(worldDir string) string { return filepath.Join(worldDir, "archives") }

// Archive copies snapshotPath into archives/session_<NNN>_<tick>/ next to a
// meta.json and returns the archived file's path. The header is read from
// the file so the meta always matches what was copied.
func Archive(worldDir, snapshotPath string, session int, reason string) (Meta, string, error) {
	hdr, err := psnap.ReadHeader(snapshotPath)
	if err != nil {
		return Meta{}, "", err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	dir := filepath.Join(Dir(worldDir), fmt.Sprintf("session_%03d_%d", session, hdr.Tick))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, "", err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return Meta{}, "", err
	}

	meta := Meta{
		Session:   session,
		Reason:    reason,
		WorldID:   hdr.WorldID,
		Tick:      hdr.Tick,
		Digest:    hdr.Digest,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC(),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return Meta{}, "", err
	}
	return meta, dst, nil
}

// List returns the archived metas, oldest tick first. Directories without a
// readable meta.json are skipped.
func List(worldDir string) ([]Meta, error) {
	ents, err := os.ReadDir(Dir(worldDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Meta
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(Dir(worldDir), e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var m Meta
		if json.Unmarshal(b, &m) != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tick != out[j].Tick {
			return out[i].Tick < out[j].Tick
		}
		return out[i].Session < out[j].Session
	})
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
