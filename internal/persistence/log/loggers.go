// Package log keeps the per-world action history: an "events" stream with
// the actions relayed at each drain and an "audit" stream with the actions
// that were broadcast but not applied. Streams are JSONL, zstd-compressed,
// one file per UTC hour.
package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	streamEvents = "events"
	streamAudit  = "audit"

	hourLayout = "2006-01-02-15"
)

// segmentPath is where stream keeps the entries written during hour.
func segmentPath(worldDir, stream, hour string) string {
	return filepath.Join(worldDir, stream, stream+"-"+hour+".jsonl.zst")
}

// segment is one open hourly file.
type segment struct {
	hour string
	path string
	file *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// Appending after a restart starts a new zstd frame; readers handle
	// concatenated frames.
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, path: path, file: f, zw: zw, buf: bufio.NewWriterSize(zw, 64*1024)}, nil
}

// append writes one line and pushes it through to the file as a complete
// zstd block.
func (s *segment) append(line []byte) error {
	if _, err := s.buf.Write(line); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segment) close() error {
	ferr := s.buf.Flush()
	zerr := s.zw.Close()
	cerr := s.file.Close()
	switch {
	case ferr != nil:
		return ferr
	case zerr != nil:
		return zerr
	}
	return cerr
}

// Stream appends JSON values to a world's hourly files. Every Write is
// readable from disk once it returns.
type Stream struct {
	worldDir string
	name     string
	now      func() time.Time

	mu  sync.Mutex
	cur *segment
}

// NewStream writes stream under worldDir/stream. A nil now means time.Now.
func NewStream(worldDir, stream string, now func() time.Time) *Stream {
	if now == nil {
		now = time.Now
	}
	return &Stream{worldDir: worldDir, name: stream, now: now}
}

// Path is the open hourly file, or "" when none is open.
func (s *Stream) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.path
}

func (s *Stream) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	hour := s.now().UTC().Format(hourLayout)
	if s.cur == nil || s.cur.hour != hour {
		if err := s.closeLocked(); err != nil {
			return err
		}
		seg, err := openSegment(segmentPath(s.worldDir, s.name, hour), hour)
		if err != nil {
			return err
		}
		s.cur = seg
	}
	return s.cur.append(line)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Stream) closeLocked() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.close()
	s.cur = nil
	return err
}

// TickLogger records relay drains.
type TickLogger struct{ s *Stream }

func NewTickLogger(worldDir string) *TickLogger {
	return &TickLogger{s: NewStream(worldDir, streamEvents, nil)}
}

func (l *TickLogger) WriteTick(e TickLogEntry) error { return l.s.Write(e) }
func (l *TickLogger) Close() error                   { return l.s.Close() }

// AuditLogger records apply failures and other skipped actions.
type AuditLogger struct{ s *Stream }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{s: NewStream(worldDir, streamAudit, nil)}
}

func (l *AuditLogger) WriteAudit(e AuditEntry) error { return l.s.Write(e) }
func (l *AuditLogger) Close() error                  { return l.s.Close() }
