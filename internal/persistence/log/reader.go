package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// ReadJSONL decodes every line of one .jsonl.zst file into fn. A truncated
// trailing frame (a writer killed mid-flush) ends the stream without error.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// Files lists a stream's files under worldDir in chronological order.
func Files(worldDir, stream string) ([]string, error) {
	matches, err := filepath.Glob(segmentPath(worldDir, stream, "*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadTicks replays every tick entry of worldDir in order.
func ReadTicks(worldDir string, fn func(TickLogEntry) error) error {
	files, err := Files(worldDir, streamEvents)
	if err != nil {
		return err
	}
	for _, p := range files {
		err := ReadJSONL(p, func(line []byte) error {
			var e TickLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadAudits replays every audit entry of worldDir in order.
func ReadAudits(worldDir string, fn func(AuditEntry) error) error {
	files, err := Files(worldDir, streamAudit)
	if err != nil {
		return err
	}
	for _, p := range files {
		err := ReadJSONL(p, func(line []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
